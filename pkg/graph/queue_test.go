package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphobjects/pkg/metrics"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

func TestModifyKeepsFirstPreviousValue(t *testing.T) {
	db := setupTestDB(t, nil)
	id := createNode(t, db, "Person", map[string]any{"name": "first"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		require.NoError(t, n.SetProperty("name", "second"))
		require.NoError(t, n.SetProperty("name", "third"))

		s, ok := tx.Queue().State(n)
		require.True(t, ok)
		prev, ok := s.Previous("name")
		require.True(t, ok)
		assert.Equal(t, "first", prev)
		assert.Equal(t, []string{"name"}, s.PreviousKeys())
		assert.True(t, s.IsModified())
		assert.False(t, s.IsCreated())
		assert.Equal(t, 1, tx.Queue().Len())
		return nil
	})
	require.NoError(t, err)
}

func TestSameValueIsNotAModification(t *testing.T) {
	db := setupTestDB(t, nil)
	id := createNode(t, db, "Person", map[string]any{"name": "same"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		require.NoError(t, n.SetProperty("name", "same"))
		_, touched := tx.Queue().State(n)
		assert.False(t, touched)
		return nil
	})
	require.NoError(t, err)
}

func TestInnerCallbacksConvergeInTwoPasses(t *testing.T) {
	hooks := NewHookRegistry().Register("Person", &Hooks{
		OnModification: func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer) bool {
			if obj.Property("email") == nil {
				return obj.SetProperty("email", "derived@example.com") == nil
			}
			return true
		},
	})
	db := setupTestDB(t, hooks)
	id := createNode(t, db, "Person", map[string]any{"name": "a"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		require.NoError(t, n.SetProperty("name", "b"))

		buf := validation.NewErrorBuffer()
		valid, err := tx.Queue().DoInnerCallbacks(tx.SecurityContext(), buf)
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, 2, tx.Queue().Passes())
		assert.False(t, buf.HasError())
		assert.Equal(t, "derived@example.com", n.Property("email"))
		return nil
	})
	require.NoError(t, err)
}

func TestInnerCallbackLimit(t *testing.T) {
	hooks := NewHookRegistry().Register("Person", &Hooks{
		OnModification: func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer) bool {
			age, _ := obj.Property("age").(int64)
			return obj.SetProperty("age", age+1) == nil
		},
	})
	db := setupTestDB(t, hooks, func(o *Options) { o.MaxInnerCallbackPasses = 5 })
	id := createNode(t, db, "Person", map[string]any{"name": "a"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		return n.SetProperty("name", "b")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCallbackLimit))

	err = db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		assert.Equal(t, "a", n.Property("name"))
		assert.Nil(t, n.Property("age"))
		return nil
	})
	require.NoError(t, err)
}

func TestCallbacksAllRunAndErrorsAccumulate(t *testing.T) {
	var calls int
	hooks := NewHookRegistry().Register("Person", &Hooks{
		OnCreation: func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer) bool {
			calls++
			buf.Add(obj.Type(), validation.Token{Key: "name", Code: validation.CodeNotAllowed, Value: obj.Property("name")})
			return false
		},
	})
	db := setupTestDB(t, hooks)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		for _, name := range []string{"a", "b", "c"} {
			if _, err := tx.CreateNode("Person", map[string]any{"name": name}); err != nil {
				return err
			}
		}
		return nil
	})
	fe, ok := validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, 422, fe.Status)
	assert.Equal(t, 3, calls)
	assert.Len(t, fe.Tokens(), 3)

	stats, err := db.Engine().Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Nodes)
}

func TestDeletedStateIsTerminal(t *testing.T) {
	var deletions int
	hooks := NewHookRegistry().Register("Person", &Hooks{
		OnDeletion: func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer, props map[string]any) bool {
			deletions++
			assert.Equal(t, "gone", props["name"])
			return true
		},
	})
	db := setupTestDB(t, hooks)
	id := createNode(t, db, "Person", map[string]any{"name": "gone"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		require.NoError(t, tx.DeleteNode(n))

		q := tx.Queue()
		q.Modify(n, "name", "other")
		q.ModifyOwner(n)
		s, ok := q.State(n)
		require.True(t, ok)
		assert.True(t, s.IsDeleted())
		assert.False(t, s.IsModified())
		assert.Equal(t, FlagDeleted, s.Flags())

		assert.ErrorIs(t, n.SetProperty("name", "x"), ErrDeleted)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, deletions)
}

func TestPropagationIsBoundedInCycles(t *testing.T) {
	const ring = 6
	var notified int
	hooks := NewHookRegistry().Register("Place", &Hooks{
		PropagatedModification: func(obj GraphObject, sc *SecurityContext) { notified++ },
	})
	db := setupTestDB(t, hooks)

	ids := make([]string, ring)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		nodes := make([]*Node, ring)
		for i := range nodes {
			n, err := tx.CreateNode("Place", nil)
			require.NoError(t, err)
			nodes[i] = n
			ids[i] = n.UUID()
		}
		for i := range nodes {
			if _, err := tx.CreateRelationship(nodes[i], nodes[(i+1)%ring], schema.RelIsAt, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	notified = 0
	err = db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(ids[0])
		require.NoError(t, err)
		return n.SetProperty("label", "moved")
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, notified, ring)
	assert.GreaterOrEqual(t, notified, ring-1)
}

func TestRelationshipKindMarksEndpoints(t *testing.T) {
	var owner, security, location int
	hooks := NewHookRegistry().Register("Place", &Hooks{
		OwnerModified:    func(GraphObject, *SecurityContext) { owner++ },
		SecurityModified: func(GraphObject, *SecurityContext) { security++ },
		LocationModified: func(GraphObject, *SecurityContext) { location++ },
	})
	db := setupTestDB(t, hooks)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		a, err := tx.CreateNode("Place", nil)
		require.NoError(t, err)
		b, err := tx.CreateNode("Place", nil)
		require.NoError(t, err)
		for _, rt := range []string{schema.RelOwns, schema.RelSecurity, schema.RelIsAt, "NEAR"} {
			_, err := tx.CreateRelationship(a, b, rt, nil)
			require.NoError(t, err)
		}
		sa, _ := tx.Queue().State(a)
		assert.Equal(t, FlagCreated|FlagModified|FlagOwner|FlagSecurity|FlagLocation, sa.Flags())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, owner)
	assert.Equal(t, 2, security)
	assert.Equal(t, 2, location)
}

func TestSynchronizationKeys(t *testing.T) {
	var got *ChangeSet
	db := setupTestDB(t, nil, func(o *Options) {
		o.Listeners = []CommitListener{CommitListenerFunc(func(_ context.Context, cs *ChangeSet) error {
			got = cs
			return nil
		})}
	})
	id := createNode(t, db, "Person", map[string]any{"name": "a"})

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		require.NoError(t, n.SetProperty("email", "a@example.com"))
		require.NoError(t, n.SetProperty("age", 3))
		p, err := tx.CreateNode("Place", nil)
		require.NoError(t, err)
		_, err = tx.CreateRelationship(n, p, "LIVES_IN", nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"Person.email", "Person|LIVES_IN|Place"}, tx.Queue().SynchronizationKeys())
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"Person.email", "Person|LIVES_IN|Place"}, got.SyncKeys)
}

func TestOuterCallbacksNeverFailTheTransaction(t *testing.T) {
	var writeErr error
	hooks := NewHookRegistry().
		Register("Person", &Hooks{
			AfterCreation: func(obj GraphObject, sc *SecurityContext) error {
				writeErr = obj.SetProperty("email", "late@example.com")
				return errors.New("after creation failed")
			},
		}).
		Register("Place", &Hooks{
			AfterCreation: func(obj GraphObject, sc *SecurityContext) error {
				panic("boom")
			},
		})
	db := setupTestDB(t, hooks)
	before := testutil.ToFloat64(metrics.OuterCallbackFailures)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		if _, err := tx.CreateNode("Person", map[string]any{"name": "a"}); err != nil {
			return err
		}
		_, err := tx.CreateNode("Place", nil)
		return err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, writeErr, ErrReadOnly)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.OuterCallbackFailures))

	stats, err := db.Engine().Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
}

func TestDoOuterCallbacksSkipsDeleted(t *testing.T) {
	var after int
	hooks := NewHookRegistry().Register("Person", &Hooks{
		AfterCreation:     func(GraphObject, *SecurityContext) error { after++; return nil },
		AfterModification: func(GraphObject, *SecurityContext) error { after++; return nil },
	})
	db := setupTestDB(t, hooks)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode("Person", map[string]any{"name": "short-lived"})
		require.NoError(t, err)
		return tx.DeleteNode(n)
	})
	require.NoError(t, err)
	assert.Zero(t, after)
}

func TestValidationStagesIndexUpdates(t *testing.T) {
	idx := &recordingIndexer{}
	db := setupTestDB(t, nil, func(o *Options) { o.Indexer = idx })

	id := createNode(t, db, "Person", map[string]any{"name": "Ada Lovelace"})
	require.Len(t, idx.indexed, 1)
	assert.Equal(t, id, idx.indexed[0].UUID)
	assert.Equal(t, map[string]string{"name": "Ada Lovelace"}, idx.indexed[0].Fields)
	assert.Equal(t, []string{"Person"}, idx.indexed[0].Labels)

	// places have no fulltext properties
	createNode(t, db, "Place", nil)
	assert.Len(t, idx.indexed, 1)

	// invalid transactions stage nothing
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		_, err := tx.CreateNode("Person", map[string]any{"name": "   "})
		return err
	})
	require.Error(t, err)
	assert.Len(t, idx.indexed, 1)

	err = db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		return tx.DeleteNode(n)
	})
	require.NoError(t, err)
	assert.Len(t, idx.removed, 1)
}

func TestClearDiscardsState(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode("Person", map[string]any{"name": "a", "email": "a@b"})
		require.NoError(t, err)
		q := tx.Queue()
		q.PropagatedModification(n)
		require.NotZero(t, q.Len())
		require.NotEmpty(t, q.SynchronizationKeys())

		q.Clear()
		assert.Zero(t, q.Len())
		assert.Empty(t, q.SynchronizationKeys())
		tx.SetRollbackOnly()
		return nil
	})
	assert.ErrorIs(t, err, ErrRollbackOnly)
}

func TestHashOrdersByKindAndID(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		a, err := tx.CreateNode("Place", nil)
		require.NoError(t, err)
		b, err := tx.CreateNode("Place", nil)
		require.NoError(t, err)
		r, err := tx.CreateRelationship(a, b, "NEAR", nil)
		require.NoError(t, err)

		states := tx.Queue().States()
		require.Len(t, states, 3)
		assert.Equal(t, storage.NodeID(a.ID()), states[0].Object().(*Node).NodeID())
		assert.Equal(t, b.ID(), states[1].Object().ID())
		assert.Equal(t, r.ID(), states[2].Object().ID())
		assert.False(t, states[2].Object().IsNode())
		return nil
	})
	require.NoError(t, err)
}
