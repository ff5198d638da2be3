package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// ErrDeleted is returned when writing to an entity deleted in the same
// transaction.
var ErrDeleted = errors.New("entity was deleted")

// Tx is one graph transaction. It keeps a single Node or Relationship per
// stored entity, so every caller in the transaction sees the same state.
// A Tx is not safe for concurrent use.
type Tx struct {
	id       string
	ctx      context.Context
	registry *schema.Registry
	hooks    *HookRegistry
	store    storage.Transaction
	queue    *ModificationQueue
	sc       *SecurityContext
	log      *slog.Logger

	nodes    map[storage.NodeID]*Node
	rels     map[storage.EdgeID]*Relationship
	deleting map[storage.NodeID]bool

	readOnly     bool
	rollbackOnly bool
}

func newTx(ctx context.Context, db *Database, store storage.Transaction, sc *SecurityContext, readOnly bool) *Tx {
	if sc == nil {
		sc = AnonymousContext()
	}
	id := uuid.NewString()
	return &Tx{
		id:       id,
		ctx:      ctx,
		registry: db.registry,
		hooks:    db.hooks,
		store:    store,
		queue:    NewModificationQueue(db.registry, db.queueOpts),
		sc:       sc,
		log:      db.log.With(slog.String("tx", id)),
		nodes:    make(map[storage.NodeID]*Node),
		rels:     make(map[storage.EdgeID]*Relationship),
		deleting: make(map[storage.NodeID]bool),
		readOnly: readOnly,
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

func (tx *Tx) Context() context.Context { return tx.ctx }

func (tx *Tx) SecurityContext() *SecurityContext { return tx.sc }

func (tx *Tx) Registry() *schema.Registry { return tx.registry }

// Queue returns the transaction's modification queue.
func (tx *Tx) Queue() *ModificationQueue { return tx.queue }

// Logger returns the transaction logger.
func (tx *Tx) Logger() *slog.Logger { return tx.log }

// ReadOnly reports whether writes are rejected. Outer callbacks run in a
// read-only transaction.
func (tx *Tx) ReadOnly() bool { return tx.readOnly }

// SetRollbackOnly marks the transaction so it rolls back instead of
// committing.
func (tx *Tx) SetRollbackOnly() { tx.rollbackOnly = true }

func (tx *Tx) RollbackOnly() bool { return tx.rollbackOnly }

func (tx *Tx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

// rebind moves the transaction and its cached entities onto another
// storage transaction.
func (tx *Tx) rebind(store storage.Transaction, readOnly bool) {
	tx.store = store
	tx.readOnly = readOnly
}

// NodeByID returns the node with the given id.
func (tx *Tx) NodeByID(id storage.NodeID) (*Node, error) {
	if n, ok := tx.nodes[id]; ok {
		if n.deleted {
			return nil, storage.ErrNotFound
		}
		return n, nil
	}
	sn, err := tx.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	return tx.wrapNode(sn), nil
}

// NodeByUUID returns the node with the given uuid.
func (tx *Tx) NodeByUUID(id string) (*Node, error) {
	if id == "" {
		return nil, storage.ErrNotFound
	}
	for _, n := range tx.nodes {
		if !n.deleted && n.UUID() == id {
			return n, nil
		}
	}
	ids, err := tx.store.AllNodes()
	if err != nil {
		return nil, err
	}
	for _, nid := range ids {
		n, err := tx.NodeByID(nid)
		if err != nil {
			continue
		}
		if n.UUID() == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
}

// RelationshipByID returns the relationship with the given id.
func (tx *Tx) RelationshipByID(id storage.EdgeID) (*Relationship, error) {
	if r, ok := tx.rels[id]; ok {
		if r.deleted {
			return nil, storage.ErrNotFound
		}
		return r, nil
	}
	e, err := tx.store.GetEdge(id)
	if err != nil {
		return nil, err
	}
	return tx.wrapEdge(e), nil
}

// NodeIDsByType returns the ids of typeName and its subtypes in ascending
// order, without loading the nodes.
func (tx *Tx) NodeIDsByType(typeName string) ([]storage.NodeID, error) {
	return tx.store.NodesByLabel(typeName)
}

// NodeIDs returns every node id in ascending order.
func (tx *Tx) NodeIDs() ([]storage.NodeID, error) {
	return tx.store.AllNodes()
}

// NodesByType returns the nodes of typeName and its subtypes in id order.
func (tx *Tx) NodesByType(typeName string) ([]*Node, error) {
	ids, err := tx.store.NodesByLabel(typeName)
	if err != nil {
		return nil, err
	}
	return tx.nodesByID(ids)
}

// AllNodes returns every node in id order.
func (tx *Tx) AllNodes() ([]*Node, error) {
	ids, err := tx.store.AllNodes()
	if err != nil {
		return nil, err
	}
	return tx.nodesByID(ids)
}

func (tx *Tx) nodesByID(ids []storage.NodeID) ([]*Node, error) {
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := tx.NodeByID(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (tx *Tx) wrapNode(sn *storage.Node) *Node {
	if n, ok := tx.nodes[sn.ID]; ok {
		return n
	}
	n := &Node{id: sn.ID, labels: sn.Labels}
	n.entity = entity{tx: tx, self: n, props: sn.Properties}
	if n.props == nil {
		n.props = make(map[string]any)
	}
	n.hooks = tx.hooks.nodeHooks(tx.registry, n.Type())
	tx.nodes[sn.ID] = n
	return n
}

func (tx *Tx) wrapEdge(e *storage.Edge) *Relationship {
	if r, ok := tx.rels[e.ID]; ok {
		return r
	}
	r := &Relationship{id: e.ID, relType: e.Type, start: e.StartNode, end: e.EndNode}
	r.entity = entity{tx: tx, self: r, props: e.Properties}
	if r.props == nil {
		r.props = make(map[string]any)
	}
	r.class = tx.registry.RelClassFor(r.CombinedType())
	r.hooks = tx.hooks.relHooks(tx.registry, r.class, r.relType)
	tx.rels[e.ID] = r
	return r
}

// CreateNode creates a node of typeName, or of the generic node type when
// typeName is empty. When the transaction runs as a user, the user owns the
// new node and holds every permission on it.
func (tx *Tx) CreateNode(typeName string, props map[string]any) (*Node, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if typeName == "" {
		typeName = tx.registry.GenericNodeType()
	}
	if !tx.registry.HasType(typeName) {
		buf := validation.NewErrorBuffer()
		buf.Add(typeName, validation.Token{Key: schema.KeyType, Code: validation.CodeInvalidType, Value: typeName})
		return nil, validation.NewValidationError(buf)
	}

	now := time.Now().UTC()
	base := map[string]any{
		schema.KeyType:             typeName,
		schema.KeyUUID:             uuid.NewString(),
		schema.KeyCreatedDate:      now,
		schema.KeyLastModifiedDate: now,
	}
	if tx.sc.IsAuthenticated() && tx.sc.UserUUID != "" {
		base[schema.KeyCreatedBy] = tx.sc.UserUUID
	}
	labels := tx.registry.Ancestors(typeName)
	id, err := tx.store.CreateNode(labels, base)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	n := tx.wrapNode(&storage.Node{ID: id, Labels: labels, Properties: base})
	tx.queue.CreateNode(n)

	if tx.sc.IsAuthenticated() {
		if err := tx.grantOwnership(n); err != nil {
			return nil, err
		}
	}

	for _, key := range slices.Sorted(maps.Keys(props)) {
		if err := n.setProperty(key, props[key], true); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (tx *Tx) grantOwnership(n *Node) error {
	user, err := tx.NodeByID(tx.sc.UserID)
	if err != nil {
		return fmt.Errorf("security context user %d: %w", tx.sc.UserID, err)
	}
	if _, err := tx.CreateRelationship(user, n, schema.RelOwns, nil); err != nil {
		return err
	}
	_, err = tx.CreateRelationship(user, n, schema.RelSecurity, map[string]any{
		schema.KeyAllowed: append([]string(nil), AllPermissions...),
	})
	return err
}

// CreateRelationship creates a relationship from start to end. Unless the
// properties carry a combined type, it is derived from the endpoint types.
func (tx *Tx) CreateRelationship(start, end *Node, relType string, props map[string]any) (*Relationship, error) {
	if start == nil {
		return nil, validation.NewNotFoundError(relType, validation.IDNotFoundToken("startNode", nil))
	}
	if end == nil {
		return nil, validation.NewNotFoundError(relType, validation.IDNotFoundToken("endNode", nil))
	}
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if start.deleted || end.deleted {
		return nil, ErrDeleted
	}

	p := make(map[string]any, len(props)+4)
	for k, v := range props {
		p[k] = storage.NormalizeValue(v)
	}
	if s, _ := p[schema.KeyCombinedType].(string); s == "" {
		p[schema.KeyCombinedType] = schema.CombinedType(start.Type(), relType, end.Type())
	}
	now := time.Now().UTC()
	p[schema.KeyUUID] = uuid.NewString()
	p[schema.KeyCreatedDate] = now
	p[schema.KeyLastModifiedDate] = now

	id, err := tx.store.CreateEdge(start.id, end.id, relType, p)
	if err != nil {
		return nil, fmt.Errorf("create %s relationship: %w", relType, err)
	}
	r := tx.wrapEdge(&storage.Edge{ID: id, Type: relType, StartNode: start.id, EndNode: end.id, Properties: p})
	tx.queue.CreateRelationship(r)
	return r, nil
}

// DeleteRelationship deletes r.
func (tx *Tx) DeleteRelationship(r *Relationship) error {
	return tx.deleteRelationship(r, false)
}

func (tx *Tx) deleteRelationship(r *Relationship, passive bool) error {
	if r == nil || r.deleted {
		return nil
	}
	if err := tx.writable(); err != nil {
		return err
	}
	tx.queue.DeleteRelationship(r, passive)
	if err := tx.store.DeleteEdge(r.id); err != nil {
		return fmt.Errorf("delete relationship %d: %w", r.id, err)
	}
	r.deleted = true
	return nil
}

// DeleteNode deletes n and, passively, every relationship attached to it.
// Relationships whose cascade policy points away from n also delete the
// node at their other end; constraint-based cascades delete it only when it
// is left without relationships.
func (tx *Tx) DeleteNode(n *Node) error {
	if n == nil || n.deleted || tx.deleting[n.id] {
		return nil
	}
	if err := tx.writable(); err != nil {
		return err
	}
	tx.deleting[n.id] = true
	defer delete(tx.deleting, n.id)

	tx.queue.DeleteNode(n)

	rels, err := n.Relationships("", storage.Both)
	if err != nil {
		return err
	}
	var cascade, orphans []*Node
	for _, r := range rels {
		other := r.OtherNode(n)
		c := r.CascadeDelete()
		switch {
		case r.start == n.id && c.Has(schema.CascadeSourceToTarget),
			r.end == n.id && c.Has(schema.CascadeTargetToSource):
			cascade = append(cascade, other)
		case c.Has(schema.CascadeConstraintBased):
			orphans = append(orphans, other)
		}
		if err := tx.deleteRelationship(r, true); err != nil {
			return err
		}
	}
	if err := tx.store.DeleteNode(n.id); err != nil {
		return fmt.Errorf("delete node %d: %w", n.id, err)
	}
	n.deleted = true

	for _, other := range cascade {
		if err := tx.DeleteNode(other); err != nil {
			return err
		}
	}
	for _, other := range orphans {
		if other == nil || other.deleted {
			continue
		}
		edges, err := tx.store.Edges(other.id, storage.Both, "")
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			if err := tx.DeleteNode(other); err != nil {
				return err
			}
		}
	}
	return nil
}
