package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Default names used when a schema does not declare its own.
const (
	DefaultGenericNodeType = "GenericNode"
	DefaultGenericRelClass = "GenericRelationship"
)

// Errors returned by Build.
var (
	ErrInvalidType     = errors.New("invalid type definition")
	ErrDuplicateType   = errors.New("duplicate type")
	ErrUnknownParent   = errors.New("unknown parent type")
	ErrInheritance     = errors.New("inheritance cycle")
	ErrUnknownTarget   = errors.New("unknown relation target")
	ErrDuplicateClass  = errors.New("duplicate relationship class")
	ErrInvalidRelation = errors.New("invalid relation property")
)

// Registry is the immutable schema catalog. Construct it with a Builder.
type Registry struct {
	types           map[string]*TypeDef
	names           []string
	ancestors       map[string][]string
	relClasses      map[string]*RelClass
	byCombined      map[string]*RelClass
	genericNodeType string
	genericRel      *RelClass
}

// Builder collects definitions for a Registry.
type Builder struct {
	types           []*TypeDef
	classes         []*RelClass
	genericNodeType string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{genericNodeType: DefaultGenericNodeType}
}

// AddType adds a node type definition.
func (b *Builder) AddType(t *TypeDef) *Builder {
	b.types = append(b.types, t)
	return b
}

// AddRelClass adds a relationship class definition.
func (b *Builder) AddRelClass(c *RelClass) *Builder {
	b.classes = append(b.classes, c)
	return b
}

// GenericNodeType overrides the type given to nodes created without one.
func (b *Builder) GenericNodeType(name string) *Builder {
	if name != "" {
		b.genericNodeType = name
	}
	return b
}

// Build validates the definitions and returns the registry. The builder's
// definitions are copied, so later changes to them do not leak into the
// registry.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		types:           make(map[string]*TypeDef),
		ancestors:       make(map[string][]string),
		relClasses:      make(map[string]*RelClass),
		byCombined:      make(map[string]*RelClass),
		genericNodeType: b.genericNodeType,
	}

	for _, t := range b.types {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("%w: type without name", ErrInvalidType)
		}
		if _, exists := r.types[t.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)
		}
		r.types[t.Name] = copyType(t)
	}
	if _, ok := r.types[r.genericNodeType]; !ok {
		r.types[r.genericNodeType] = &TypeDef{Name: r.genericNodeType}
	}

	for name, t := range r.types {
		if t.Extends != "" {
			if _, ok := r.types[t.Extends]; !ok {
				return nil, fmt.Errorf("%w: %s extends %s", ErrUnknownParent, name, t.Extends)
			}
		}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		chain, err := r.resolveAncestors(name)
		if err != nil {
			return nil, err
		}
		r.ancestors[name] = chain
	}

	for _, name := range r.names {
		for _, rel := range r.types[name].Relations {
			if rel.Name == "" || rel.RelType == "" {
				return nil, fmt.Errorf("%w: %s.%s", ErrInvalidRelation, name, rel.Name)
			}
			if _, ok := r.types[rel.Target]; !ok {
				return nil, fmt.Errorf("%w: %s.%s -> %s", ErrUnknownTarget, name, rel.Name, rel.Target)
			}
		}
	}

	r.genericRel = &RelClass{Name: DefaultGenericRelClass, Generic: true}
	r.relClasses[r.genericRel.Name] = r.genericRel
	for _, c := range b.classes {
		if c == nil || c.Name == "" {
			continue
		}
		if _, exists := r.relClasses[c.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, c.Name)
		}
		cc := *c
		r.relClasses[cc.Name] = &cc
		if cc.CombinedType != "" {
			r.byCombined[cc.CombinedType] = &cc
		}
	}
	for _, c := range r.relClasses {
		if c.Extends != "" {
			if _, ok := r.relClasses[c.Extends]; !ok {
				return nil, fmt.Errorf("%w: relationship class %s extends %s", ErrUnknownParent, c.Name, c.Extends)
			}
		}
	}

	return r, nil
}

func (r *Registry) resolveAncestors(name string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := name; cur != ""; cur = r.types[cur].Extends {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrInheritance, name)
		}
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain, nil
}

func copyType(t *TypeDef) *TypeDef {
	c := &TypeDef{
		Name:          t.Name,
		Extends:       t.Extends,
		Chronological: append([][2]string(nil), t.Chronological...),
		PropagateVia:  append([]string(nil), t.PropagateVia...),
	}
	for _, p := range t.Properties {
		pc := *p
		pc.Values = append([]string(nil), p.Values...)
		c.Properties = append(c.Properties, &pc)
	}
	for _, rel := range t.Relations {
		rc := *rel
		rc.Declaring = t.Name
		c.Relations = append(c.Relations, &rc)
	}
	return c
}

// Type returns the definition of a node type.
func (r *Registry) Type(name string) (*TypeDef, bool) {
	t, ok := r.types[name]
	return t, ok
}

// HasType reports whether name is a registered node type.
func (r *Registry) HasType(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Types returns all type names in sorted order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.names...)
}

// GenericNodeType is the type assigned to nodes created without a type.
func (r *Registry) GenericNodeType() string {
	return r.genericNodeType
}

// Ancestors returns name followed by its parent chain. Unknown types yield
// nil.
func (r *Registry) Ancestors(name string) []string {
	return append([]string(nil), r.ancestors[name]...)
}

// IsA reports whether sub equals super or inherits from it.
func (r *Registry) IsA(sub, super string) bool {
	for _, a := range r.ancestors[sub] {
		if a == super {
			return true
		}
	}
	return false
}

// Property resolves a property definition on a type or its ancestors.
func (r *Registry) Property(typeName, key string) (*PropertyDef, bool) {
	for _, a := range r.ancestors[typeName] {
		for _, p := range r.types[a].Properties {
			if p.Name == key {
				return p, true
			}
		}
	}
	return nil, false
}

// Properties returns the property definitions of a type, own properties
// first, then inherited ones. A property redefined by a subtype shadows the
// parent's definition.
func (r *Registry) Properties(typeName string) []*PropertyDef {
	var out []*PropertyDef
	seen := make(map[string]bool)
	for _, a := range r.ancestors[typeName] {
		for _, p := range r.types[a].Properties {
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Relation resolves a relation property on a type or its ancestors.
func (r *Registry) Relation(typeName, name string) (*RelationDef, bool) {
	for _, a := range r.ancestors[typeName] {
		for _, rel := range r.types[a].Relations {
			if rel.Name == name {
				return rel, true
			}
		}
	}
	return nil, false
}

// Relations returns every relation property visible on a type.
func (r *Registry) Relations(typeName string) []*RelationDef {
	var out []*RelationDef
	seen := make(map[string]bool)
	for _, a := range r.ancestors[typeName] {
		for _, rel := range r.types[a].Relations {
			if !seen[rel.Name] {
				seen[rel.Name] = true
				out = append(out, rel)
			}
		}
	}
	return out
}

// Chronological returns the date pairs that must be ordered on a type,
// including inherited pairs.
func (r *Registry) Chronological(typeName string) [][2]string {
	var out [][2]string
	for _, a := range r.ancestors[typeName] {
		out = append(out, r.types[a].Chronological...)
	}
	return out
}

// PropagateVia returns the relationship types along which modifications of
// the type propagate, including inherited ones.
func (r *Registry) PropagateVia(typeName string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range r.ancestors[typeName] {
		for _, rt := range r.types[a].PropagateVia {
			if !seen[rt] {
				seen[rt] = true
				out = append(out, rt)
			}
		}
	}
	return out
}

// RelClass returns a relationship class by name.
func (r *Registry) RelClass(name string) (*RelClass, bool) {
	c, ok := r.relClasses[name]
	return c, ok
}

// RelClassFor resolves the class bound to a combined type. Unmapped
// combined types resolve to the generic class.
func (r *Registry) RelClassFor(combinedType string) *RelClass {
	if c, ok := r.byCombined[combinedType]; ok {
		return c
	}
	return r.genericRel
}

// GenericRelClass returns the generic relationship class.
func (r *Registry) GenericRelClass() *RelClass {
	return r.genericRel
}

// RelIsA reports whether sub equals super or inherits from it.
func (r *Registry) RelIsA(sub, super *RelClass) bool {
	if sub == nil || super == nil {
		return false
	}
	seen := make(map[string]bool)
	for cur := sub; cur != nil && !seen[cur.Name]; cur = r.relClasses[cur.Extends] {
		if cur.Name == super.Name {
			return true
		}
		seen[cur.Name] = true
		if cur.Extends == "" {
			break
		}
	}
	return false
}
