package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryEngine is an in-memory Engine. Write transactions buffer their
// changes in an overlay and apply them under the engine lock on Commit.
type MemoryEngine struct {
	mu     sync.RWMutex
	writer sync.Mutex

	nodes  map[NodeID]*Node
	edges  map[EdgeID]*Edge
	labels map[string]map[NodeID]struct{}
	out    map[NodeID]map[EdgeID]struct{}
	in     map[NodeID]map[EdgeID]struct{}

	nextNode atomic.Uint64
	nextEdge atomic.Uint64
	closed   atomic.Bool
}

// NewMemoryEngine returns an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:  make(map[NodeID]*Node),
		edges:  make(map[EdgeID]*Edge),
		labels: make(map[string]map[NodeID]struct{}),
		out:    make(map[NodeID]map[EdgeID]struct{}),
		in:     make(map[NodeID]map[EdgeID]struct{}),
	}
}

// Begin opens a transaction.
func (m *MemoryEngine) Begin(update bool) (Transaction, error) {
	if m.closed.Load() {
		return nil, ErrStorageClosed
	}
	if update {
		m.writer.Lock()
		if m.closed.Load() {
			m.writer.Unlock()
			return nil, ErrStorageClosed
		}
	}
	tx := &memoryTx{engine: m, update: update}
	if update {
		tx.pendingNodes = make(map[NodeID]*Node)
		tx.pendingEdges = make(map[EdgeID]*Edge)
		tx.deletedNodes = make(map[NodeID]struct{})
		tx.deletedEdges = make(map[EdgeID]struct{})
	}
	return tx, nil
}

// Stats returns the committed node and edge counts.
func (m *MemoryEngine) Stats() (Stats, error) {
	if m.closed.Load() {
		return Stats{}, ErrStorageClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Nodes: int64(len(m.nodes)), Edges: int64(len(m.edges))}, nil
}

// Close releases the engine. Open transactions fail on their next call.
func (m *MemoryEngine) Close() error {
	m.closed.Store(true)
	return nil
}

func indexAdd(idx map[NodeID]map[EdgeID]struct{}, node NodeID, edge EdgeID) {
	set, ok := idx[node]
	if !ok {
		set = make(map[EdgeID]struct{})
		idx[node] = set
	}
	set[edge] = struct{}{}
}

func indexRemove(idx map[NodeID]map[EdgeID]struct{}, node NodeID, edge EdgeID) {
	if set, ok := idx[node]; ok {
		delete(set, edge)
		if len(set) == 0 {
			delete(idx, node)
		}
	}
}

type memoryTx struct {
	engine *MemoryEngine
	update bool
	closed bool

	pendingNodes map[NodeID]*Node
	pendingEdges map[EdgeID]*Edge
	deletedNodes map[NodeID]struct{}
	deletedEdges map[EdgeID]struct{}
}

func (tx *memoryTx) Update() bool { return tx.update }

func (tx *memoryTx) check(write bool) error {
	if tx.closed {
		return ErrTransactionClosed
	}
	if tx.engine.closed.Load() {
		return ErrStorageClosed
	}
	if write && !tx.update {
		return ErrReadOnlyTransaction
	}
	return nil
}

// node returns the transaction's view of a node without copying.
func (tx *memoryTx) node(id NodeID) (*Node, bool) {
	if _, gone := tx.deletedNodes[id]; gone {
		return nil, false
	}
	if n, ok := tx.pendingNodes[id]; ok {
		return n, true
	}
	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	n, ok := tx.engine.nodes[id]
	return n, ok
}

func (tx *memoryTx) edge(id EdgeID) (*Edge, bool) {
	if _, gone := tx.deletedEdges[id]; gone {
		return nil, false
	}
	if e, ok := tx.pendingEdges[id]; ok {
		return e, true
	}
	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	e, ok := tx.engine.edges[id]
	return e, ok
}

// writableNode returns a pending copy of a node that may be mutated.
func (tx *memoryTx) writableNode(id NodeID) (*Node, error) {
	if n, ok := tx.pendingNodes[id]; ok {
		return n, nil
	}
	n, ok := tx.node(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := n.clone()
	tx.pendingNodes[id] = c
	return c, nil
}

func (tx *memoryTx) writableEdge(id EdgeID) (*Edge, error) {
	if e, ok := tx.pendingEdges[id]; ok {
		return e, nil
	}
	e, ok := tx.edge(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := e.clone()
	tx.pendingEdges[id] = c
	return c, nil
}

func (tx *memoryTx) CreateNode(labels []string, props map[string]any) (NodeID, error) {
	if err := tx.check(true); err != nil {
		return 0, err
	}
	now := time.Now()
	id := NodeID(tx.engine.nextNode.Add(1))
	tx.pendingNodes[id] = &Node{
		ID:         id,
		Labels:     append([]string(nil), labels...),
		Properties: copyProps(props),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, nil
}

func (tx *memoryTx) GetNode(id NodeID) (*Node, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	n, ok := tx.node(id)
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

func (tx *memoryTx) SetNodeProperty(id NodeID, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	n, err := tx.writableNode(id)
	if err != nil {
		return err
	}
	n.Properties[key] = NormalizeValue(value)
	n.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) RemoveNodeProperty(id NodeID, key string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	n, err := tx.writableNode(id)
	if err != nil {
		return err
	}
	delete(n.Properties, key)
	n.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) DeleteNode(id NodeID) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if _, ok := tx.node(id); !ok {
		return ErrNotFound
	}
	edges, err := tx.Edges(id, Both, "")
	if err != nil {
		return err
	}
	if len(edges) > 0 {
		return fmt.Errorf("%w: node %d has %d", ErrNodeHasEdges, id, len(edges))
	}
	delete(tx.pendingNodes, id)
	tx.deletedNodes[id] = struct{}{}
	return nil
}

func (tx *memoryTx) CreateEdge(start, end NodeID, relType string, props map[string]any) (EdgeID, error) {
	if err := tx.check(true); err != nil {
		return 0, err
	}
	if relType == "" {
		return 0, fmt.Errorf("%w: empty relationship type", ErrInvalidData)
	}
	if _, ok := tx.node(start); !ok {
		return 0, ErrInvalidEdge
	}
	if _, ok := tx.node(end); !ok {
		return 0, ErrInvalidEdge
	}
	now := time.Now()
	id := EdgeID(tx.engine.nextEdge.Add(1))
	tx.pendingEdges[id] = &Edge{
		ID:         id,
		Type:       relType,
		StartNode:  start,
		EndNode:    end,
		Properties: copyProps(props),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, nil
}

func (tx *memoryTx) GetEdge(id EdgeID) (*Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	e, ok := tx.edge(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (tx *memoryTx) SetEdgeProperty(id EdgeID, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	e, err := tx.writableEdge(id)
	if err != nil {
		return err
	}
	e.Properties[key] = NormalizeValue(value)
	e.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) RemoveEdgeProperty(id EdgeID, key string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	e, err := tx.writableEdge(id)
	if err != nil {
		return err
	}
	delete(e.Properties, key)
	e.UpdatedAt = time.Now()
	return nil
}

func (tx *memoryTx) DeleteEdge(id EdgeID) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if _, ok := tx.edge(id); !ok {
		return ErrNotFound
	}
	delete(tx.pendingEdges, id)
	tx.deletedEdges[id] = struct{}{}
	return nil
}

func (tx *memoryTx) Edges(node NodeID, dir Direction, relType string) ([]*Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	seen := make(map[EdgeID]struct{})
	var result []*Edge
	add := func(e *Edge) {
		if _, dup := seen[e.ID]; dup {
			return
		}
		if _, gone := tx.deletedEdges[e.ID]; gone {
			return
		}
		if !matchEdge(e, node, dir, relType) {
			return
		}
		seen[e.ID] = struct{}{}
		result = append(result, e.clone())
	}

	for _, e := range tx.pendingEdges {
		add(e)
	}

	tx.engine.mu.RLock()
	var committed []*Edge
	collect := func(idx map[NodeID]map[EdgeID]struct{}) {
		for id := range idx[node] {
			if _, pending := tx.pendingEdges[id]; pending {
				continue
			}
			committed = append(committed, tx.engine.edges[id])
		}
	}
	if dir != Incoming {
		collect(tx.engine.out)
	}
	if dir != Outgoing {
		collect(tx.engine.in)
	}
	tx.engine.mu.RUnlock()

	for _, e := range committed {
		add(e)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tx *memoryTx) NodesByLabel(label string) ([]NodeID, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return tx.collectNodes(func(n *Node) bool { return n.HasLabel(label) }, label), nil
}

func (tx *memoryTx) AllNodes() ([]NodeID, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return tx.collectNodes(func(*Node) bool { return true }, ""), nil
}

// collectNodes merges committed and pending nodes accepted by keep. A
// non-empty label restricts the committed scan to the label index.
func (tx *memoryTx) collectNodes(keep func(*Node) bool, label string) []NodeID {
	set := make(map[NodeID]struct{})

	tx.engine.mu.RLock()
	if label != "" {
		for id := range tx.engine.labels[label] {
			set[id] = struct{}{}
		}
	} else {
		for id := range tx.engine.nodes {
			set[id] = struct{}{}
		}
	}
	tx.engine.mu.RUnlock()

	for id, n := range tx.pendingNodes {
		if keep(n) {
			set[id] = struct{}{}
		}
	}
	ids := make([]NodeID, 0, len(set))
	for id := range set {
		if _, gone := tx.deletedNodes[id]; gone {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *memoryTx) Commit() error {
	if err := tx.check(false); err != nil {
		return err
	}
	defer tx.close()
	if !tx.update {
		return nil
	}

	m := tx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, n := range tx.pendingNodes {
		if _, existed := m.nodes[id]; !existed {
			for _, l := range n.Labels {
				set, ok := m.labels[l]
				if !ok {
					set = make(map[NodeID]struct{})
					m.labels[l] = set
				}
				set[id] = struct{}{}
			}
		}
		m.nodes[id] = n
	}
	for id, e := range tx.pendingEdges {
		m.edges[id] = e
		indexAdd(m.out, e.StartNode, id)
		indexAdd(m.in, e.EndNode, id)
	}
	for id := range tx.deletedEdges {
		e, ok := m.edges[id]
		if !ok {
			continue
		}
		indexRemove(m.out, e.StartNode, id)
		indexRemove(m.in, e.EndNode, id)
		delete(m.edges, id)
	}
	for id := range tx.deletedNodes {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		for _, l := range n.Labels {
			delete(m.labels[l], id)
			if len(m.labels[l]) == 0 {
				delete(m.labels, l)
			}
		}
		delete(m.nodes, id)
	}
	return nil
}

// Rollback discards the transaction. Calling it after Commit is a no-op.
func (tx *memoryTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.close()
	return nil
}

func (tx *memoryTx) close() {
	tx.closed = true
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.deletedNodes = nil
	tx.deletedEdges = nil
	if tx.update {
		tx.engine.writer.Unlock()
	}
}
