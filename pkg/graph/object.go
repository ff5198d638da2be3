package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/graphobjects/pkg/convert"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// Property views accepted by PropertyKeys.
const (
	// ViewPublic lists the system keys and the schema-declared properties.
	ViewPublic = "public"
	// ViewAll lists every stored key.
	ViewAll = "all"
)

// GraphObject is a node or relationship bound to a transaction. The
// lifecycle methods are called by the ModificationQueue only.
type GraphObject interface {
	validation.PropertyReader

	ID() uint64
	UUID() string
	IsNode() bool
	Tx() *Tx

	Properties() map[string]any
	SetProperty(key string, value any) error
	RemoveProperty(key string) error
	PropertyKeys(view string) []string
	IsDeleted() bool

	OnCreation(sc *SecurityContext, buf *validation.ErrorBuffer) bool
	OnModification(sc *SecurityContext, buf *validation.ErrorBuffer) bool
	OnDeletion(sc *SecurityContext, buf *validation.ErrorBuffer, properties map[string]any) bool
	IsValid(buf *validation.ErrorBuffer) bool
	AfterCreation(sc *SecurityContext) error
	AfterModification(sc *SecurityContext) error

	OwnerModified(sc *SecurityContext)
	SecurityModified(sc *SecurityContext)
	LocationModified(sc *SecurityContext)
	PropagatedModification(sc *SecurityContext)

	UpdateIndex(batch *IndexBatch)
	RemoveFromIndex(batch *IndexBatch)
}

// entity holds what nodes and relationships share: the owning transaction,
// the property cache and the resolved hooks.
type entity struct {
	tx      *Tx
	self    GraphObject
	props   map[string]any
	hooks   []*Hooks
	deleted bool
}

// Tx returns the transaction the object is bound to.
func (e *entity) Tx() *Tx { return e.tx }

func (e *entity) UUID() string {
	s, _ := e.props[schema.KeyUUID].(string)
	return s
}

// Property returns the value of key, or nil when unset.
func (e *entity) Property(key string) any {
	if key == schema.KeyID {
		return int64(e.self.ID())
	}
	return e.props[key]
}

// Properties returns a copy of the stored properties.
func (e *entity) Properties() map[string]any {
	out := make(map[string]any, len(e.props))
	for k, v := range e.props {
		out[k] = v
	}
	return out
}

func (e *entity) IsDeleted() bool { return e.deleted }

// SetProperty writes a property through the transaction. System keys and
// properties declared read-only are rejected, and values are converted to
// the declared property type. A nil value removes the property.
func (e *entity) SetProperty(key string, value any) error {
	return e.setProperty(key, value, false)
}

// RemoveProperty removes a property.
func (e *entity) RemoveProperty(key string) error {
	return e.setProperty(key, nil, false)
}

// setProperty writes key. While creating, properties declared read-only may
// still be set; system keys never can.
func (e *entity) setProperty(key string, value any, creating bool) error {
	if err := e.tx.writable(); err != nil {
		return err
	}
	if e.deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, hash(e.self))
	}
	typeName := e.self.Type()
	def, _ := e.tx.registry.Property(typeName, key)
	if schema.ReadOnlyKeys[key] || (!creating && def != nil && def.ReadOnly) {
		buf := validation.NewErrorBuffer()
		buf.Add(typeName, validation.ReadOnlyPropertyToken(key))
		return validation.NewValidationError(buf)
	}
	value, ok := coerce(def, value)
	if !ok {
		buf := validation.NewErrorBuffer()
		buf.Add(typeName, validation.Token{Key: key, Code: validation.CodeInvalidType, Value: string(def.Type)})
		return validation.NewValidationError(buf)
	}

	previous, had := e.props[key]
	value = storage.NormalizeValue(value)
	if value == nil && !had {
		return nil
	}
	if had && value != nil && convert.Equal(previous, value) {
		return nil
	}
	if err := e.persist(key, value); err != nil {
		return err
	}
	if value == nil {
		delete(e.props, key)
	} else {
		e.props[key] = value
	}
	if key != schema.KeyLastModifiedDate {
		now := time.Now().UTC()
		if err := e.persist(schema.KeyLastModifiedDate, now); err != nil {
			return err
		}
		e.props[schema.KeyLastModifiedDate] = now
	}
	e.tx.queue.Modify(e.self, key, previous)
	return nil
}

// persist writes one property to the store. A nil value removes it.
func (e *entity) persist(key string, value any) error {
	st := e.tx.store
	switch obj := e.self.(type) {
	case *Node:
		if value == nil {
			return st.RemoveNodeProperty(obj.id, key)
		}
		return st.SetNodeProperty(obj.id, key, value)
	case *Relationship:
		if value == nil {
			return st.RemoveEdgeProperty(obj.id, key)
		}
		return st.SetEdgeProperty(obj.id, key, value)
	}
	return fmt.Errorf("unsupported graph object %T", e.self)
}

// coerce converts v to the declared type of def. Untyped properties accept
// any value.
func coerce(def *schema.PropertyDef, v any) (any, bool) {
	if v == nil || def == nil {
		return v, true
	}
	switch def.Type {
	case schema.TypeString, schema.TypeEnum:
		return convert.ToString(v)
	case schema.TypeInt:
		return convert.ToInt64(v)
	case schema.TypeFloat:
		return convert.ToFloat64(v)
	case schema.TypeBool:
		return convert.ToBool(v)
	case schema.TypeDate:
		t, ok := convert.ToTime(v)
		return t.UTC(), ok
	}
	return v, true
}

func (e *entity) OnCreation(sc *SecurityContext, buf *validation.ErrorBuffer) bool {
	valid := true
	for _, h := range e.hooks {
		if h.OnCreation != nil {
			valid = h.OnCreation(e.self, sc, buf) && valid
		}
	}
	return valid
}

func (e *entity) OnModification(sc *SecurityContext, buf *validation.ErrorBuffer) bool {
	valid := true
	for _, h := range e.hooks {
		if h.OnModification != nil {
			valid = h.OnModification(e.self, sc, buf) && valid
		}
	}
	return valid
}

func (e *entity) OnDeletion(sc *SecurityContext, buf *validation.ErrorBuffer, properties map[string]any) bool {
	valid := true
	for _, h := range e.hooks {
		if h.OnDeletion != nil {
			valid = h.OnDeletion(e.self, sc, buf, properties) && valid
		}
	}
	return valid
}

func (e *entity) hooksValid(buf *validation.ErrorBuffer) bool {
	valid := true
	for _, h := range e.hooks {
		if h.IsValid != nil {
			valid = h.IsValid(e.self, buf) && valid
		}
	}
	return valid
}

func (e *entity) AfterCreation(sc *SecurityContext) error {
	for _, h := range e.hooks {
		if h.AfterCreation != nil {
			if err := h.AfterCreation(e.self, sc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *entity) AfterModification(sc *SecurityContext) error {
	for _, h := range e.hooks {
		if h.AfterModification != nil {
			if err := h.AfterModification(e.self, sc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *entity) OwnerModified(sc *SecurityContext) {
	for _, h := range e.hooks {
		if h.OwnerModified != nil {
			h.OwnerModified(e.self, sc)
		}
	}
}

func (e *entity) SecurityModified(sc *SecurityContext) {
	for _, h := range e.hooks {
		if h.SecurityModified != nil {
			h.SecurityModified(e.self, sc)
		}
	}
}

func (e *entity) LocationModified(sc *SecurityContext) {
	for _, h := range e.hooks {
		if h.LocationModified != nil {
			h.LocationModified(e.self, sc)
		}
	}
}

func (e *entity) PropagatedModification(sc *SecurityContext) {
	for _, h := range e.hooks {
		if h.PropagatedModification != nil {
			h.PropagatedModification(e.self, sc)
		}
	}
}

// Node is a typed graph node.
type Node struct {
	entity
	id     storage.NodeID
	labels []string
}

func (n *Node) ID() uint64 { return uint64(n.id) }

// NodeID returns the storage id.
func (n *Node) NodeID() storage.NodeID { return n.id }

func (n *Node) IsNode() bool { return true }

func (n *Node) Type() string {
	s, _ := n.props[schema.KeyType].(string)
	return s
}

// Labels returns the storage labels, the type followed by its ancestors.
func (n *Node) Labels() []string { return append([]string(nil), n.labels...) }

// IsA reports whether the node's type is typeName or inherits from it.
func (n *Node) IsA(typeName string) bool {
	return n.tx.registry.IsA(n.Type(), typeName)
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Type(), n.UUID())
}

// PropertyKeys lists the keys visible in view. The public view holds id,
// uuid and type followed by the schema-declared properties; the all view
// holds id and every stored key in sorted order.
func (n *Node) PropertyKeys(view string) []string {
	if view == ViewAll {
		return allKeys(n.props)
	}
	keys := []string{schema.KeyID, schema.KeyUUID, schema.KeyType}
	for _, def := range n.tx.registry.Properties(n.Type()) {
		keys = append(keys, def.Name)
	}
	return keys
}

func allKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props)+1)
	for k := range props {
		if k != schema.KeyID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return append([]string{schema.KeyID}, keys...)
}

// IsValid checks the schema constraints of the node's type and then the
// type's IsValid hooks. Every failure is recorded in buf.
func (n *Node) IsValid(buf *validation.ErrorBuffer) bool {
	reg := n.tx.registry
	typeName := n.Type()
	valid := true
	for _, def := range reg.Properties(typeName) {
		v := n.Property(def.Name)
		if def.NotNull {
			valid = validation.CheckPropertyNotNull(n, def.Name, buf) && valid
		}
		if def.NotBlank {
			valid = validation.CheckStringNotBlank(n, def.Name, buf) && valid
		}
		if def.MinLength > 0 && v != nil {
			valid = validation.CheckStringMinLength(n, def.Name, def.MinLength, buf) && valid
		}
		if len(def.Values) > 0 {
			if def.Nullable {
				valid = validation.CheckNullOrStringInArray(n, def.Name, def.Values, buf) && valid
			} else {
				valid = validation.CheckStringInArray(n, def.Name, def.Values, buf) && valid
			}
		}
		if def.Type == schema.TypeDate && v != nil {
			valid = validation.CheckDate(n, def.Name, buf) && valid
		}
	}
	for _, pair := range reg.Chronological(typeName) {
		if n.Property(pair[0]) != nil && n.Property(pair[1]) != nil {
			valid = validation.CheckDatesChronological(n, pair[0], pair[1], buf) && valid
		}
	}
	return n.hooksValid(buf) && valid
}

// Relationships returns the node's relationships of relType in dir. An
// empty relType matches every type.
func (n *Node) Relationships(relType string, dir storage.Direction) ([]*Relationship, error) {
	edges, err := n.tx.store.Edges(n.id, dir, relType)
	if err != nil {
		return nil, err
	}
	rels := make([]*Relationship, 0, len(edges))
	for _, e := range edges {
		rels = append(rels, n.tx.wrapEdge(e))
	}
	return rels, nil
}

// PropagationTargets returns the nodes reached through the type's
// propagateVia relationship types, followed by those contributed by hooks.
func (n *Node) PropagationTargets() []*Node {
	var out []*Node
	seen := map[storage.NodeID]bool{n.id: true}
	add := func(t *Node) {
		if t != nil && !t.deleted && !seen[t.id] {
			seen[t.id] = true
			out = append(out, t)
		}
	}
	for _, relType := range n.tx.registry.PropagateVia(n.Type()) {
		rels, err := n.Relationships(relType, storage.Both)
		if err != nil {
			n.tx.log.Warn("propagation lookup failed", "node", n.UUID(), "error", err)
			continue
		}
		for _, r := range rels {
			add(r.OtherNode(n))
		}
	}
	for _, h := range n.hooks {
		if h.PropagationTargets != nil {
			for _, t := range h.PropagationTargets(n) {
				add(t)
			}
		}
	}
	return out
}

// UpdateIndex stages the node's fulltext properties. Types without
// fulltext properties are not indexed.
func (n *Node) UpdateIndex(batch *IndexBatch) {
	if batch == nil {
		return
	}
	var fields map[string]string
	for _, def := range n.tx.registry.Properties(n.Type()) {
		if !def.Fulltext {
			continue
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		if s, ok := convert.ToString(n.Property(def.Name)); ok && s != "" {
			fields[def.Name] = s
		}
	}
	if fields == nil {
		return
	}
	batch.Index(Document{
		ID:     n.id,
		UUID:   n.UUID(),
		Type:   n.Type(),
		Labels: n.Labels(),
		Fields: fields,
	})
}

// RemoveFromIndex stages the removal of the node's index entry.
func (n *Node) RemoveFromIndex(batch *IndexBatch) {
	if batch != nil {
		batch.Remove(n.id)
	}
}

// Relationship is a typed, directed graph relationship.
type Relationship struct {
	entity
	id      storage.EdgeID
	relType string
	start   storage.NodeID
	end     storage.NodeID
	class   *schema.RelClass
}

func (r *Relationship) ID() uint64 { return uint64(r.id) }

// EdgeID returns the storage id.
func (r *Relationship) EdgeID() storage.EdgeID { return r.id }

func (r *Relationship) IsNode() bool { return false }

// Type returns the relationship type, e.g. "OWNS".
func (r *Relationship) Type() string { return r.relType }

// RelType is an alias of Type.
func (r *Relationship) RelType() string { return r.relType }

// CombinedType returns the "source|rel|target" tag stored on the
// relationship.
func (r *Relationship) CombinedType() string {
	s, _ := r.props[schema.KeyCombinedType].(string)
	return s
}

// Class returns the relationship class bound to the combined type.
func (r *Relationship) Class() *schema.RelClass { return r.class }

// CascadeDelete returns the relationship's cascade policy.
func (r *Relationship) CascadeDelete() schema.Cascade {
	v, _ := convert.ToInt64(r.props[schema.KeyCascadeDelete])
	return schema.Cascade(v)
}

// StartNode returns the start node, or nil when it no longer exists.
func (r *Relationship) StartNode() *Node {
	n, err := r.tx.NodeByID(r.start)
	if err != nil {
		return nil
	}
	return n
}

// EndNode returns the end node, or nil when it no longer exists.
func (r *Relationship) EndNode() *Node {
	n, err := r.tx.NodeByID(r.end)
	if err != nil {
		return nil
	}
	return n
}

// OtherNode returns the endpoint that is not n.
func (r *Relationship) OtherNode(n *Node) *Node {
	if n != nil && r.start == n.id {
		return r.EndNode()
	}
	return r.StartNode()
}

func (r *Relationship) String() string {
	return fmt.Sprintf("(%d)-[%s]->(%d)", r.start, r.relType, r.end)
}

func (r *Relationship) PropertyKeys(view string) []string {
	if view == ViewAll {
		return allKeys(r.props)
	}
	return []string{schema.KeyID, schema.KeyUUID, schema.KeyType, schema.KeyCombinedType}
}

// Property returns the value of key. The type key resolves to the
// relationship type.
func (r *Relationship) Property(key string) any {
	if key == schema.KeyType {
		return r.relType
	}
	return r.entity.Property(key)
}

func (r *Relationship) IsValid(buf *validation.ErrorBuffer) bool {
	return r.hooksValid(buf)
}

// Relationships are not indexed.
func (r *Relationship) UpdateIndex(*IndexBatch) {}

func (r *Relationship) RemoveFromIndex(*IndexBatch) {}
