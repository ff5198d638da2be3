// Package relation creates and removes relationships through relation
// properties, keeping each property's declared cardinality.
//
// Creating a relationship and removing the ones it replaces happen in the
// caller's transaction. When a conflicting relationship cannot be removed
// the error is returned, and the transaction rolls back the new
// relationship along with everything else.
package relation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/metrics"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// Keys reported when an endpoint is missing.
const (
	SourceKey = "source"
	TargetKey = "target"
)

// Property is a relation property of a node type.
type Property struct {
	def *schema.RelationDef
	log *slog.Logger
}

// New returns a property for def. The definition must come from a built
// registry so its declaring type is set.
func New(def *schema.RelationDef, log *slog.Logger) *Property {
	if log == nil {
		log = slog.Default()
	}
	return &Property{def: def, log: log.With(logger.Scope("relation"), slog.String("property", def.Name))}
}

// Lookup resolves the relation property name of typeName.
func Lookup(reg *schema.Registry, typeName, name string, log *slog.Logger) (*Property, error) {
	def, ok := reg.Relation(typeName, name)
	if !ok {
		return nil, fmt.Errorf("%s has no relation property %q", typeName, name)
	}
	return New(def, log), nil
}

// Def returns the property definition.
func (p *Property) Def() *schema.RelationDef { return p.def }

// CreateRelationship links source to target and removes the relationships
// the cardinality no longer allows. For incoming properties the stored
// relationship points from target to source.
func (p *Property) CreateRelationship(tx *graph.Tx, source, target *graph.Node, props map[string]any) (*graph.Relationship, error) {
	if err := p.checkEndpoints(source, target); err != nil {
		return nil, err
	}

	rp := make(map[string]any, len(props)+2)
	for k, v := range props {
		rp[k] = v
	}
	rp[schema.KeyCombinedType] = p.def.CombinedType()
	if p.def.CascadeDelete > 0 {
		rp[schema.KeyCascadeDelete] = int64(p.def.CascadeDelete)
	}

	start, end := source, target
	if p.def.Direction == schema.Incoming {
		start, end = target, source
	}
	newRel, err := tx.CreateRelationship(start, end, p.def.RelType, rp)
	if err != nil {
		return nil, err
	}

	switch p.def.Cardinality {
	case schema.OneToOne:
		if err := p.ensureOneToMany(tx, source, target, newRel); err != nil {
			return nil, err
		}
		if err := p.ensureManyToOne(tx, source, target, newRel); err != nil {
			return nil, err
		}
	case schema.OneToMany:
		if err := p.ensureOneToMany(tx, source, target, newRel); err != nil {
			return nil, err
		}
	case schema.ManyToOne:
		if err := p.ensureManyToOne(tx, source, target, newRel); err != nil {
			return nil, err
		}
	case schema.ManyToMany:
	}
	return newRel, nil
}

// ensureManyToOne leaves source with a single relationship of this kind
// towards the target type.
func (p *Property) ensureManyToOne(tx *graph.Tx, source, target *graph.Node, newRel *graph.Relationship) error {
	rels, err := source.Relationships(p.def.RelType, storageDirection(p.def.Direction))
	if err != nil {
		return cleanupError(err)
	}
	return p.removeConflicts(tx, source, rels, target.Type(), newRel)
}

// ensureOneToMany leaves target with a single relationship of this kind
// from the source type.
func (p *Property) ensureOneToMany(tx *graph.Tx, source, target *graph.Node, newRel *graph.Relationship) error {
	rels, err := target.Relationships(p.def.RelType, storageDirection(p.def.Direction.Reverse()))
	if err != nil {
		return cleanupError(err)
	}
	return p.removeConflicts(tx, target, rels, source.Type(), newRel)
}

// removeConflicts deletes every relationship in rels other than newRel whose
// far end is of the constrained type, or whose class is a specific class
// assignable to the new relationship's class.
func (p *Property) removeConflicts(tx *graph.Tx, near *graph.Node, rels []*graph.Relationship, constrained string, newRel *graph.Relationship) error {
	reg := tx.Registry()
	for _, rel := range rels {
		if rel.ID() == newRel.ID() {
			continue
		}
		other := rel.OtherNode(near)
		conflict := other != nil && reg.IsA(other.Type(), constrained)
		if !conflict {
			conflict = !rel.Class().IsGeneric() && reg.RelIsA(rel.Class(), newRel.Class())
		}
		if !conflict {
			continue
		}
		if err := tx.DeleteRelationship(rel); err != nil {
			return cleanupError(err)
		}
		metrics.CardinalityRemovals.WithLabelValues(p.def.Cardinality.String()).Inc()
		p.log.Debug("removed conflicting relationship", slog.String("relationship", rel.UUID()), slog.String("cardinality", p.def.Cardinality.String()))
	}
	return nil
}

// RemoveRelationship deletes the relationships between source and target
// the way the cardinality defines them. Single-valued sides lose every
// relationship of this kind; many-to-many removes only the relationship
// between the two nodes.
func (p *Property) RemoveRelationship(tx *graph.Tx, source, target *graph.Node) error {
	if err := p.checkEndpoints(source, target); err != nil {
		return err
	}
	reg := tx.Registry()
	dir := p.def.Direction

	var (
		near    *graph.Node
		rels    []*graph.Relationship
		matches func(other *graph.Node) bool
		err     error
	)
	switch p.def.Cardinality {
	case schema.OneToOne, schema.ManyToOne:
		near = source
		rels, err = source.Relationships(p.def.RelType, storageDirection(dir))
		matches = func(other *graph.Node) bool { return reg.IsA(other.Type(), target.Type()) }
	case schema.OneToMany:
		near = target
		rels, err = target.Relationships(p.def.RelType, storageDirection(dir.Reverse()))
		matches = func(other *graph.Node) bool { return reg.IsA(other.Type(), source.Type()) }
	default:
		near = target
		rels, err = target.Relationships(p.def.RelType, storage.Both)
		matches = func(other *graph.Node) bool { return other.NodeID() == source.NodeID() }
	}
	if err != nil {
		return err
	}
	for _, rel := range rels {
		other := rel.OtherNode(near)
		if other == nil || !matches(other) {
			continue
		}
		if err := tx.DeleteRelationship(rel); err != nil {
			return err
		}
	}
	return nil
}

// Related returns the nodes source reaches through this property, in
// relationship order.
func (p *Property) Related(tx *graph.Tx, source *graph.Node) ([]*graph.Node, error) {
	if source == nil {
		return nil, validation.NewNotFoundError(p.def.Declaring, validation.IDNotFoundToken(SourceKey, nil))
	}
	rels, err := source.Relationships(p.def.RelType, storageDirection(p.def.Direction))
	if err != nil {
		return nil, err
	}
	reg := tx.Registry()
	var out []*graph.Node
	for _, rel := range rels {
		if other := rel.OtherNode(source); other != nil && reg.IsA(other.Type(), p.def.Target) {
			out = append(out, other)
		}
	}
	return out, nil
}

// Link creates a relationship between two nodes identified by uuid in its
// own transaction.
func (p *Property) Link(ctx context.Context, db *graph.Database, sc *graph.SecurityContext, sourceID, targetID string, props map[string]any) error {
	return db.Transact(ctx, sc, func(tx *graph.Tx) error {
		source, target, err := p.resolve(tx, sourceID, targetID)
		if err != nil {
			return err
		}
		_, err = p.CreateRelationship(tx, source, target, props)
		return err
	})
}

// Unlink removes relationships between two nodes identified by uuid in its
// own transaction.
func (p *Property) Unlink(ctx context.Context, db *graph.Database, sc *graph.SecurityContext, sourceID, targetID string) error {
	return db.Transact(ctx, sc, func(tx *graph.Tx) error {
		source, target, err := p.resolve(tx, sourceID, targetID)
		if err != nil {
			return err
		}
		return p.RemoveRelationship(tx, source, target)
	})
}

func (p *Property) resolve(tx *graph.Tx, sourceID, targetID string) (*graph.Node, *graph.Node, error) {
	source, err := tx.NodeByUUID(sourceID)
	if err != nil {
		return nil, nil, validation.NewNotFoundError(p.def.Declaring, validation.IDNotFoundToken(SourceKey, sourceID))
	}
	target, err := tx.NodeByUUID(targetID)
	if err != nil {
		return nil, nil, validation.NewNotFoundError(p.def.Target, validation.IDNotFoundToken(TargetKey, targetID))
	}
	return source, target, nil
}

func (p *Property) checkEndpoints(source, target *graph.Node) error {
	if source == nil {
		return validation.NewNotFoundError(p.def.Declaring, validation.IDNotFoundToken(SourceKey, nil))
	}
	if target == nil {
		return validation.NewNotFoundError(p.def.Target, validation.IDNotFoundToken(TargetKey, nil))
	}
	return nil
}

func cleanupError(err error) error {
	return validation.Wrap(http.StatusInternalServerError, "cardinality cleanup failed", err)
}

func storageDirection(d schema.Direction) storage.Direction {
	if d == schema.Incoming {
		return storage.Incoming
	}
	return storage.Outgoing
}
