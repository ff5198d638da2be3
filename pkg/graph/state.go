package graph

import (
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/orneryd/graphobjects/pkg/validation"
)

// Flag is a bit in a modification state.
type Flag uint16

const (
	FlagCreated Flag = 1 << iota
	FlagModified
	FlagOwner
	FlagSecurity
	FlagLocation
	FlagDeleted
	FlagPassivelyDeleted
	FlagPropagated
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagCreated, "created"},
	{FlagModified, "modified"},
	{FlagOwner, "owner"},
	{FlagSecurity, "security"},
	{FlagLocation, "location"},
	{FlagDeleted, "deleted"},
	{FlagPassivelyDeleted, "passive"},
	{FlagPropagated, "propagated"},
}

func (f Flag) String() string {
	s := ""
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += fn.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// ModificationState is the change record of one entity within one
// transaction. Flags accumulate for the whole transaction; the pending mask
// holds what happened since the entity's last inner callback.
//
// Deleted is terminal: later touches still record previous values but
// raise no further callbacks.
type ModificationState struct {
	obj     GraphObject
	flags   Flag
	pending Flag

	// previous holds key -> value before the transaction first changed it,
	// in first-touch order.
	previous *linkedhashmap.Map

	creationCalled bool
	deletionCalled bool

	// removed is a snapshot of the properties at deletion time.
	removed map[string]any
}

func newModificationState(obj GraphObject) *ModificationState {
	return &ModificationState{obj: obj, previous: linkedhashmap.New()}
}

// Object returns the tracked entity.
func (s *ModificationState) Object() GraphObject { return s.obj }

// Flags returns everything that happened to the entity in this transaction.
func (s *ModificationState) Flags() Flag { return s.flags }

func (s *ModificationState) IsCreated() bool { return s.flags&FlagCreated != 0 }

func (s *ModificationState) IsModified() bool {
	return s.flags&(FlagModified|FlagOwner|FlagSecurity|FlagLocation|FlagPropagated) != 0
}

func (s *ModificationState) IsDeleted() bool { return s.flags&FlagDeleted != 0 }

func (s *ModificationState) IsPassivelyDeleted() bool { return s.flags&FlagPassivelyDeleted != 0 }

// WasModified reports whether the entity changed since its last inner
// callback.
func (s *ModificationState) WasModified() bool { return s.pending != 0 }

// Previous returns the value key held before the transaction changed it.
func (s *ModificationState) Previous(key string) (any, bool) {
	return s.previous.Get(key)
}

// PreviousKeys returns the changed keys in first-touch order.
func (s *ModificationState) PreviousKeys() []string {
	keys := make([]string, 0, s.previous.Size())
	for _, k := range s.previous.Keys() {
		keys = append(keys, k.(string))
	}
	return keys
}

// PreviousValues returns a copy of the recorded previous values.
func (s *ModificationState) PreviousValues() map[string]any {
	out := make(map[string]any, s.previous.Size())
	it := s.previous.Iterator()
	for it.Next() {
		out[it.Key().(string)] = it.Value()
	}
	return out
}

// RemovedProperties returns the entity's properties at deletion time, or
// nil when it was not deleted.
func (s *ModificationState) RemovedProperties() map[string]any { return s.removed }

func (s *ModificationState) String() string {
	return fmt.Sprintf("%s[%s pending=%s]", hash(s.obj), s.flags, s.pending)
}

func (s *ModificationState) mark(f Flag) {
	if s.IsDeleted() {
		return
	}
	s.flags |= f
	s.pending |= f
}

func (s *ModificationState) create() {
	s.mark(FlagCreated)
}

// modify records the previous value of key. The first recorded value wins,
// since it is the one from before the transaction. An empty key marks a
// generic modification without a value.
func (s *ModificationState) modify(key string, previous any) {
	if key != "" {
		if _, seen := s.previous.Get(key); !seen {
			s.previous.Put(key, previous)
		}
	}
	s.mark(FlagModified)
}

func (s *ModificationState) modifyOwner()    { s.mark(FlagOwner) }
func (s *ModificationState) modifySecurity() { s.mark(FlagSecurity) }
func (s *ModificationState) modifyLocation() { s.mark(FlagLocation) }

func (s *ModificationState) propagatedModification() { s.mark(FlagPropagated) }

func (s *ModificationState) delete(passive bool, props map[string]any) {
	if s.IsDeleted() {
		return
	}
	s.flags |= FlagDeleted
	if passive {
		s.flags |= FlagPassivelyDeleted
	}
	// only the deletion callback is left to run
	s.pending = FlagDeleted
	s.removed = props
}

// doInnerCallback runs the callbacks for what happened since the last pass
// and clears the pending mask.
func (s *ModificationState) doInnerCallback(q *ModificationQueue, sc *SecurityContext, buf *validation.ErrorBuffer) bool {
	pending := s.pending
	s.pending = 0

	if s.IsDeleted() {
		if s.deletionCalled {
			return true
		}
		s.deletionCalled = true
		return s.obj.OnDeletion(sc, buf, s.removed)
	}

	if pending&(FlagCreated|FlagModified|FlagPropagated) != 0 {
		if n, ok := s.obj.(*Node); ok {
			for _, target := range n.PropagationTargets() {
				q.PropagatedModification(target)
			}
		}
	}

	valid := true
	switch {
	case s.IsCreated() && !s.creationCalled:
		s.creationCalled = true
		valid = s.obj.OnCreation(sc, buf)
	case pending&(FlagModified|FlagPropagated) != 0:
		valid = s.obj.OnModification(sc, buf)
	}

	if pending&FlagOwner != 0 {
		s.obj.OwnerModified(sc)
	}
	if pending&FlagSecurity != 0 {
		s.obj.SecurityModified(sc)
	}
	if pending&FlagLocation != 0 {
		s.obj.LocationModified(sc)
	}
	if pending&FlagPropagated != 0 {
		s.obj.PropagatedModification(sc)
	}
	return valid
}

// doValidationAndIndexing validates the entity and stages its index update.
// Deleted entities are only removed from the index.
func (s *ModificationState) doValidationAndIndexing(sc *SecurityContext, buf *validation.ErrorBuffer, runValidators bool, batch *IndexBatch) bool {
	if s.IsDeleted() {
		s.obj.RemoveFromIndex(batch)
		return true
	}
	if runValidators && !s.obj.IsValid(buf) {
		return false
	}
	s.obj.UpdateIndex(batch)
	return true
}

// doOuterCallback runs the after-commit hook. Panics become errors.
func (s *ModificationState) doOuterCallback(sc *SecurityContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCallbackPanic, hash(s.obj), r)
		}
	}()
	switch {
	case s.IsCreated():
		err = s.obj.AfterCreation(sc)
	case s.IsModified():
		err = s.obj.AfterModification(sc)
	}
	if err != nil {
		err = fmt.Errorf("%s %s: %w", s.obj.Type(), s.obj.UUID(), err)
	}
	return err
}
