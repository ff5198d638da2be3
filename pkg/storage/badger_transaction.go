package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// badgerTx maps one graph transaction onto one badger.Txn. A read-write
// badger.Txn permits a single open iterator, so scans collect keys and
// close the iterator before reading values.
type badgerTx struct {
	engine *BadgerEngine
	txn    *badger.Txn
	update bool
	closed bool
}

func (tx *badgerTx) Update() bool { return tx.update }

func (tx *badgerTx) check(write bool) error {
	if tx.closed {
		return ErrTransactionClosed
	}
	if write && !tx.update {
		return ErrReadOnlyTransaction
	}
	return nil
}

func (tx *badgerTx) readNode(id NodeID) (*Node, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	item, err := tx.txn.Get(nodeKey(id))
	if err != nil {
		return nil, notFound(err)
	}
	var n *Node
	err = item.Value(func(val []byte) error {
		var derr error
		n, derr = deserializeNode(id, val)
		return derr
	})
	return n, err
}

func (tx *badgerTx) readEdge(id EdgeID) (*Edge, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	item, err := tx.txn.Get(edgeKey(id))
	if err != nil {
		return nil, notFound(err)
	}
	var e *Edge
	err = item.Value(func(val []byte) error {
		var derr error
		e, derr = deserializeEdge(id, val)
		return derr
	})
	return e, err
}

func (tx *badgerTx) writeNode(n *Node) error {
	data, err := serializeNode(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return tx.txn.Set(nodeKey(n.ID), data)
}

func (tx *badgerTx) writeEdge(e *Edge) error {
	data, err := serializeEdge(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return tx.txn.Set(edgeKey(e.ID), data)
}

// scanIDs returns the trailing ids of all keys under prefix.
func (tx *badgerTx) scanIDs(prefix []byte) []uint64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var ids []uint64
	for it.Rewind(); it.Valid(); it.Next() {
		ids = append(ids, trailingID(it.Item().Key()))
	}
	return ids
}

func (tx *badgerTx) CreateNode(labels []string, props map[string]any) (NodeID, error) {
	if err := tx.check(true); err != nil {
		return 0, err
	}
	raw, err := tx.engine.nextID(tx.engine.nodeSeq)
	if err != nil {
		return 0, fmt.Errorf("allocating node id: %w", err)
	}
	now := time.Now()
	n := &Node{
		ID:         NodeID(raw),
		Labels:     append([]string(nil), labels...),
		Properties: copyProps(props),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.writeNode(n); err != nil {
		return 0, err
	}
	for _, l := range n.Labels {
		if err := tx.txn.Set(labelIndexKey(l, n.ID), nil); err != nil {
			return 0, err
		}
	}
	return n.ID, nil
}

func (tx *badgerTx) GetNode(id NodeID) (*Node, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return tx.readNode(id)
}

func (tx *badgerTx) SetNodeProperty(id NodeID, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	n, err := tx.readNode(id)
	if err != nil {
		return err
	}
	n.Properties[key] = NormalizeValue(value)
	n.UpdatedAt = time.Now()
	return tx.writeNode(n)
}

func (tx *badgerTx) RemoveNodeProperty(id NodeID, key string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	n, err := tx.readNode(id)
	if err != nil {
		return err
	}
	delete(n.Properties, key)
	n.UpdatedAt = time.Now()
	return tx.writeNode(n)
}

func (tx *badgerTx) DeleteNode(id NodeID) error {
	if err := tx.check(true); err != nil {
		return err
	}
	n, err := tx.readNode(id)
	if err != nil {
		return err
	}
	attached := len(tx.scanIDs(adjacencyPrefix(prefixOutgoingIndex, id))) +
		len(tx.scanIDs(adjacencyPrefix(prefixIncomingIndex, id)))
	if attached > 0 {
		return fmt.Errorf("%w: node %d has %d", ErrNodeHasEdges, id, attached)
	}
	for _, l := range n.Labels {
		if err := tx.txn.Delete(labelIndexKey(l, id)); err != nil {
			return err
		}
	}
	return tx.txn.Delete(nodeKey(id))
}

func (tx *badgerTx) CreateEdge(start, end NodeID, relType string, props map[string]any) (EdgeID, error) {
	if err := tx.check(true); err != nil {
		return 0, err
	}
	if relType == "" {
		return 0, fmt.Errorf("%w: empty relationship type", ErrInvalidData)
	}
	for _, id := range []NodeID{start, end} {
		if _, err := tx.readNode(id); err != nil {
			return 0, ErrInvalidEdge
		}
	}
	raw, err := tx.engine.nextID(tx.engine.edgeSeq)
	if err != nil {
		return 0, fmt.Errorf("allocating edge id: %w", err)
	}
	now := time.Now()
	e := &Edge{
		ID:         EdgeID(raw),
		Type:       relType,
		StartNode:  start,
		EndNode:    end,
		Properties: copyProps(props),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.writeEdge(e); err != nil {
		return 0, err
	}
	if err := tx.txn.Set(adjacencyKey(prefixOutgoingIndex, start, e.ID), nil); err != nil {
		return 0, err
	}
	if err := tx.txn.Set(adjacencyKey(prefixIncomingIndex, end, e.ID), nil); err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (tx *badgerTx) GetEdge(id EdgeID) (*Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return tx.readEdge(id)
}

func (tx *badgerTx) SetEdgeProperty(id EdgeID, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	e, err := tx.readEdge(id)
	if err != nil {
		return err
	}
	e.Properties[key] = NormalizeValue(value)
	e.UpdatedAt = time.Now()
	return tx.writeEdge(e)
}

func (tx *badgerTx) RemoveEdgeProperty(id EdgeID, key string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	e, err := tx.readEdge(id)
	if err != nil {
		return err
	}
	delete(e.Properties, key)
	e.UpdatedAt = time.Now()
	return tx.writeEdge(e)
}

func (tx *badgerTx) DeleteEdge(id EdgeID) error {
	if err := tx.check(true); err != nil {
		return err
	}
	e, err := tx.readEdge(id)
	if err != nil {
		return err
	}
	if err := tx.txn.Delete(adjacencyKey(prefixOutgoingIndex, e.StartNode, id)); err != nil {
		return err
	}
	if err := tx.txn.Delete(adjacencyKey(prefixIncomingIndex, e.EndNode, id)); err != nil {
		return err
	}
	return tx.txn.Delete(edgeKey(id))
}

func (tx *badgerTx) Edges(node NodeID, dir Direction, relType string) ([]*Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	var ids []uint64
	if dir != Incoming {
		ids = append(ids, tx.scanIDs(adjacencyPrefix(prefixOutgoingIndex, node))...)
	}
	if dir != Outgoing {
		ids = append(ids, tx.scanIDs(adjacencyPrefix(prefixIncomingIndex, node))...)
	}
	slices.Sort(ids)

	result := make([]*Edge, 0, len(ids))
	var last uint64
	for _, raw := range ids {
		// self loops appear in both indexes
		if raw == last {
			continue
		}
		last = raw
		e, err := tx.readEdge(EdgeID(raw))
		if err != nil {
			return nil, fmt.Errorf("edge index for node %d: %w", node, err)
		}
		if matchEdge(e, node, dir, relType) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (tx *badgerTx) NodesByLabel(label string) ([]NodeID, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return toNodeIDs(tx.scanIDs(labelPrefix(label))), nil
}

func (tx *badgerTx) AllNodes() ([]NodeID, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return toNodeIDs(tx.scanIDs([]byte{prefixNode})), nil
}

func (tx *badgerTx) Commit() error {
	if err := tx.check(false); err != nil {
		return err
	}
	defer tx.close()
	if !tx.update {
		tx.txn.Discard()
		return nil
	}
	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Calling it after Commit is a no-op.
func (tx *badgerTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.txn.Discard()
	tx.close()
	return nil
}

func (tx *badgerTx) close() {
	tx.closed = true
	if tx.update {
		tx.engine.writer.Unlock()
	}
}

func toNodeIDs(raw []uint64) []NodeID {
	ids := make([]NodeID, len(raw))
	for i, v := range raw {
		ids[i] = NodeID(v)
	}
	return ids
}
