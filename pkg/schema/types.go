// Package schema provides the immutable type catalog used by every graph
// object component.
//
// A Registry is built once at process start, either programmatically with a
// Builder or from a YAML schema file via Load, and then passed by reference
// to the database, factories, relation properties and search attributes. It
// never changes after Build returns, so it is safe for concurrent use.
//
// The catalog holds three kinds of definitions:
//   - TypeDef: node types with single inheritance, property definitions,
//     relation properties and modification propagation rules
//   - RelationDef: the schema edge a node type declares (destination type,
//     relationship type, direction, cardinality, cascade policy)
//   - RelClass: a named relationship class bound to a combined type
//     ("Source|REL|Target"); unmapped combined types resolve to the generic
//     class
//
// Example:
//
//	reg, err := schema.NewBuilder().
//		AddType(&schema.TypeDef{Name: "Person"}).
//		AddType(&schema.TypeDef{
//			Name: "Company",
//			Relations: []*schema.RelationDef{{
//				Name: "ceo", RelType: "LEADS", Target: "Person",
//				Direction: schema.Incoming, Cardinality: schema.OneToOne,
//			}},
//		}).
//		Build()
package schema

import (
	"fmt"
	"strings"
)

// Cardinality is the declared multiplicity of a relation property.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToOne
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "OneToOne"
	case OneToMany:
		return "OneToMany"
	case ManyToOne:
		return "ManyToOne"
	case ManyToMany:
		return "ManyToMany"
	default:
		return fmt.Sprintf("Cardinality(%d)", int(c))
	}
}

// ParseCardinality accepts the enum names case-insensitively. Underscores
// and dashes are ignored, so "one_to_many" equals "OneToMany".
func ParseCardinality(s string) (Cardinality, error) {
	switch normalizeEnum(s) {
	case "onetoone":
		return OneToOne, nil
	case "onetomany":
		return OneToMany, nil
	case "manytoone":
		return ManyToOne, nil
	case "manytomany":
		return ManyToMany, nil
	}
	return 0, fmt.Errorf("unknown cardinality %q", s)
}

// Direction of a relation property as seen from the declaring type.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "INCOMING"
	}
	return "OUTGOING"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Incoming {
		return Outgoing
	}
	return Incoming
}

// ParseDirection accepts "outgoing"/"out" and "incoming"/"in".
func ParseDirection(s string) (Direction, error) {
	switch normalizeEnum(s) {
	case "", "outgoing", "out":
		return Outgoing, nil
	case "incoming", "in":
		return Incoming, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Cascade is the cascade-delete bitmask stored on relationships.
type Cascade int

const (
	CascadeNone            Cascade = 0
	CascadeSourceToTarget  Cascade = 1
	CascadeTargetToSource  Cascade = 2
	CascadeAlways          Cascade = CascadeSourceToTarget | CascadeTargetToSource
	CascadeConstraintBased Cascade = 4
)

// Has reports whether every bit of flag is set.
func (c Cascade) Has(flag Cascade) bool {
	return flag != 0 && c&flag == flag
}

// ParseCascade accepts the names none, sourceToTarget, targetToSource,
// always and constraintBased, or a '|' separated combination.
func ParseCascade(s string) (Cascade, error) {
	var c Cascade
	for _, part := range strings.Split(s, "|") {
		switch normalizeEnum(part) {
		case "", "none":
		case "sourcetotarget":
			c |= CascadeSourceToTarget
		case "targettosource":
			c |= CascadeTargetToSource
		case "always":
			c |= CascadeAlways
		case "constraintbased":
			c |= CascadeConstraintBased
		default:
			return 0, fmt.Errorf("unknown cascade policy %q", part)
		}
	}
	return c, nil
}

// Well-known relationship types. Their kind decides which endpoint flag a
// relationship change raises.
const (
	RelOwns     = "OWNS"
	RelSecurity = "SECURITY"
	RelIsAt     = "IS_AT"
)

// RelKind classifies relationship types for endpoint notification.
type RelKind int

const (
	KindGeneric RelKind = iota
	KindOwner
	KindSecurity
	KindLocation
)

// KindOf maps a relationship type name to its kind.
func KindOf(relType string) RelKind {
	switch relType {
	case RelOwns:
		return KindOwner
	case RelSecurity:
		return KindSecurity
	case RelIsAt:
		return KindLocation
	}
	return KindGeneric
}

// System property keys present on every graph object.
const (
	KeyID                     = "id"
	KeyUUID                   = "uuid"
	KeyType                   = "type"
	KeyCreatedDate            = "createdDate"
	KeyLastModifiedDate       = "lastModifiedDate"
	KeyCreatedBy              = "createdBy"
	KeyDeleted                = "deleted"
	KeyHidden                 = "hidden"
	KeyVisibleToPublic        = "visibleToPublicUsers"
	KeyVisibleToAuthenticated = "visibleToAuthenticatedUsers"
	KeyCombinedType           = "combinedType"
	KeyCascadeDelete          = "cascadeDelete"
	KeyAllowed                = "allowed"
)

// ReadOnlyKeys may only be written by the create commands.
var ReadOnlyKeys = map[string]bool{
	KeyID:           true,
	KeyUUID:         true,
	KeyType:         true,
	KeyCreatedDate:  true,
	KeyCreatedBy:    true,
	KeyCombinedType: true,
}

// PropertyType is the declared value type of a property.
type PropertyType string

const (
	TypeAny    PropertyType = ""
	TypeString PropertyType = "string"
	TypeInt    PropertyType = "int"
	TypeFloat  PropertyType = "float"
	TypeBool   PropertyType = "bool"
	TypeDate   PropertyType = "date"
	TypeEnum   PropertyType = "enum"
)

// PropertyDef declares one property of a node type and its constraints.
type PropertyDef struct {
	Name      string
	Type      PropertyType
	NotNull   bool
	NotBlank  bool
	MinLength int
	// Values lists the allowed values for enum properties, or the allowed
	// strings when Type is string.
	Values []string
	// Nullable allows nil for a property restricted to Values.
	Nullable bool
	Fulltext bool
	ReadOnly bool
	// SyncKey, when set, marks the property as requiring synchronization:
	// modifying it adds "Type.SyncKey" to the transaction's
	// synchronization keys.
	SyncKey string
}

// RequiresSynchronization reports whether changes to the property must be
// announced to external caches and indices.
func (p *PropertyDef) RequiresSynchronization() bool {
	return p != nil && p.SyncKey != ""
}

// RelationDef is the static descriptor of a relation property. It is
// schema, not per-instance data.
type RelationDef struct {
	Name          string
	RelType       string
	Target        string
	Direction     Direction
	Cardinality   Cardinality
	CascadeDelete Cascade

	// Declaring is the type that declares the property. Set by the builder.
	Declaring string
}

// CombinedType returns the schema edge key for relationships created
// through this property: "declaring|rel|target" for outgoing properties,
// "target|rel|declaring" for incoming ones.
func (r *RelationDef) CombinedType() string {
	if r.Direction == Incoming {
		return CombinedType(r.Target, r.RelType, r.Declaring)
	}
	return CombinedType(r.Declaring, r.RelType, r.Target)
}

// CombinedType builds "source|rel|target".
func CombinedType(source, relType, target string) string {
	return source + "|" + relType + "|" + target
}

// TypeDef declares a node type.
type TypeDef struct {
	Name       string
	Extends    string
	Properties []*PropertyDef
	Relations  []*RelationDef
	// Chronological lists property pairs whose dates must be ordered
	// (first before second).
	Chronological [][2]string
	// PropagateVia lists relationship types along which a modification of
	// a node of this type is propagated to the other endpoint.
	PropagateVia []string
}

// RelClass is a named relationship class. Relationships are bound to a
// class through their combined type.
type RelClass struct {
	Name         string
	Extends      string
	CombinedType string
	Generic      bool
}

// IsGeneric reports whether the class is the generic fallback class.
func (c *RelClass) IsGeneric() bool {
	return c == nil || c.Generic
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}
