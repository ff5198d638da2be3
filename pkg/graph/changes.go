package graph

import (
	"context"
	"time"
)

// ChangeKind is what happened to an entity in a committed transaction.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change describes one entity of a committed transaction.
type Change struct {
	Kind    ChangeKind
	Node    bool
	ID      uint64
	UUID    string
	Type    string
	Passive bool
	// Previous holds the values changed keys had before the transaction.
	Previous map[string]any
}

// ChangeSet is what a committed transaction did.
type ChangeSet struct {
	TxID     string
	Time     time.Time
	User     string
	Changes  []Change
	SyncKeys []string
}

// Types returns the distinct entity types touched, in first-seen order.
func (cs *ChangeSet) Types() []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range cs.Changes {
		if !seen[c.Type] {
			seen[c.Type] = true
			out = append(out, c.Type)
		}
	}
	return out
}

// CommitListener is notified after every committed write transaction.
// Errors are logged and do not affect the commit.
type CommitListener interface {
	Committed(ctx context.Context, cs *ChangeSet) error
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(ctx context.Context, cs *ChangeSet) error

func (f CommitListenerFunc) Committed(ctx context.Context, cs *ChangeSet) error {
	return f(ctx, cs)
}

// buildChangeSet converts the queue states into a change set.
func buildChangeSet(txID string, sc *SecurityContext, q *ModificationQueue) *ChangeSet {
	cs := &ChangeSet{TxID: txID, Time: time.Now().UTC(), SyncKeys: q.SynchronizationKeys()}
	if sc != nil {
		cs.User = sc.UserUUID
	}
	for _, s := range q.States() {
		obj := s.Object()
		c := Change{
			Node:     obj.IsNode(),
			ID:       obj.ID(),
			UUID:     obj.UUID(),
			Type:     obj.Type(),
			Previous: s.PreviousValues(),
		}
		switch {
		case s.IsDeleted():
			if s.IsCreated() {
				// created and deleted within the transaction
				continue
			}
			c.Kind = ChangeDeleted
			c.Passive = s.IsPassivelyDeleted()
		case s.IsCreated():
			c.Kind = ChangeCreated
		default:
			c.Kind = ChangeModified
		}
		cs.Changes = append(cs.Changes, c)
	}
	return cs
}
