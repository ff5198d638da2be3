package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

func TestCreateNodeSetsSystemProperties(t *testing.T) {
	db := setupTestDB(t, nil)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode("", nil)
		require.NoError(t, err)
		assert.Equal(t, schema.DefaultGenericNodeType, n.Type())
		assert.NotEmpty(t, n.UUID())
		assert.IsType(t, time.Time{}, n.Property(schema.KeyCreatedDate))
		assert.IsType(t, time.Time{}, n.Property(schema.KeyLastModifiedDate))
		assert.Nil(t, n.Property(schema.KeyCreatedBy))
		assert.Equal(t, int64(n.ID()), n.Property(schema.KeyID))

		e, err := tx.CreateNode("Employee", map[string]any{"name": "Eve"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Employee", "Person"}, e.Labels())
		assert.True(t, e.IsA("Person"))
		return nil
	})
	require.NoError(t, err)
}

func TestCreateNodeUnknownType(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		_, err := tx.CreateNode("Spaceship", nil)
		return err
	})
	fe, ok := validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, 422, fe.Status)
	assert.True(t, fe.Buffer.Has(schema.KeyType, validation.CodeInvalidType))
}

func TestCreateNodeAsUserGrantsOwnership(t *testing.T) {
	db := setupTestDB(t, nil)
	userID := createNode(t, db, "User", map[string]any{"login": "ada"})

	var user *Node
	require.NoError(t, db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		var err error
		user, err = tx.NodeByUUID(userID)
		return err
	}))
	sc := UserContext(user)

	var created string
	err := db.Transact(context.Background(), sc, func(tx *Tx) error {
		n, err := tx.CreateNode("Person", map[string]any{"name": "owned"})
		if err != nil {
			return err
		}
		created = n.UUID()
		return nil
	})
	require.NoError(t, err)

	err = db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(created)
		require.NoError(t, err)
		assert.Equal(t, userID, n.Property(schema.KeyCreatedBy))

		owns, err := n.Relationships(schema.RelOwns, storage.Incoming)
		require.NoError(t, err)
		require.Len(t, owns, 1)
		assert.Equal(t, userID, owns[0].StartNode().UUID())
		assert.Equal(t, "User|OWNS|Person", owns[0].CombinedType())

		grants, err := n.Relationships(schema.RelSecurity, storage.Incoming)
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.ElementsMatch(t, AllPermissions, grants[0].Property(schema.KeyAllowed))

		assert.True(t, sc.IsReadable(n, false, false))
		assert.True(t, sc.IsAllowed(n, PermissionDelete))
		assert.False(t, AnonymousContext().IsReadable(n, false, false))
		return nil
	})
	require.NoError(t, err)
}

func TestIsReadable(t *testing.T) {
	db := setupTestDB(t, nil)
	ids := map[string]string{
		"public":  createNode(t, db, "Place", map[string]any{schema.KeyVisibleToPublic: true}),
		"authed":  createNode(t, db, "Place", map[string]any{schema.KeyVisibleToAuthenticated: true}),
		"hidden":  createNode(t, db, "Place", map[string]any{schema.KeyHidden: true, schema.KeyVisibleToPublic: true}),
		"private": createNode(t, db, "Place", nil),
		"user":    createNode(t, db, "User", nil),
	}

	err := db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		nodes := make(map[string]*Node, len(ids))
		for k, id := range ids {
			n, err := tx.NodeByUUID(id)
			require.NoError(t, err)
			nodes[k] = n
		}
		anon := AnonymousContext()
		user := UserContext(nodes["user"])
		root := SuperUserContext()

		tests := []struct {
			name       string
			sc         *SecurityContext
			node       string
			include    bool
			publicOnly bool
			want       bool
		}{
			{"anonymous public", anon, "public", false, false, true},
			{"anonymous private", anon, "private", false, false, false},
			{"anonymous authenticated-only", anon, "authed", false, false, false},
			{"user authenticated-only", user, "authed", false, false, true},
			{"user private", user, "private", false, false, false},
			{"superuser private", root, "private", false, false, true},
			{"hidden filtered", root, "hidden", false, false, false},
			{"hidden included", anon, "hidden", true, false, true},
			{"public only", root, "private", false, true, false},
			{"public only public", user, "public", false, true, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, tt.sc.IsReadable(nodes[tt.node], tt.include, tt.publicOnly))
			})
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSetPropertyChecks(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode("Person", map[string]any{"name": "a", "code": "fixed"})
		require.NoError(t, err)
		assert.Equal(t, "fixed", n.Property("code"))

		err = n.SetProperty("code", "changed")
		fe, ok := validation.AsFrameworkError(err)
		require.True(t, ok)
		assert.True(t, fe.Buffer.Has("code", validation.CodeReadOnly))

		for _, key := range []string{schema.KeyUUID, schema.KeyType, schema.KeyCreatedDate} {
			fe, ok := validation.AsFrameworkError(n.SetProperty(key, "x"))
			require.True(t, ok, key)
			assert.Equal(t, 422, fe.Status)
		}

		require.NoError(t, n.SetProperty("age", "42"))
		assert.Equal(t, int64(42), n.Property("age"))
		fe, ok = validation.AsFrameworkError(n.SetProperty("age", "old"))
		require.True(t, ok)
		assert.True(t, fe.Buffer.Has("age", validation.CodeInvalidType))

		require.NoError(t, n.SetProperty("born", "1815-12-10"))
		assert.Equal(t, time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC), n.Property("born"))

		require.NoError(t, n.RemoveProperty("age"))
		assert.Nil(t, n.Property("age"))
		assert.NotContains(t, n.PropertyKeys(ViewAll), "age")
		return nil
	})
	require.NoError(t, err)
}

func TestSchemaValidation(t *testing.T) {
	db := setupTestDB(t, nil)
	tests := []struct {
		name  string
		props map[string]any
		key   string
		code  string
	}{
		{"blank name", map[string]any{"name": " "}, "name", validation.CodeMustNotBeEmpty},
		{"bad enum", map[string]any{"name": "a", "status": "retired"}, "status", validation.CodeMustBeOneOf},
		{"dates out of order", map[string]any{"name": "a", "born": "2000-01-02", "died": "2000-01-01"}, "born", validation.CodeMustLieBefore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
				_, err := tx.CreateNode("Person", tt.props)
				return err
			})
			fe, ok := validation.AsFrameworkError(err)
			require.True(t, ok)
			assert.Equal(t, 422, fe.Status)
			assert.True(t, fe.Buffer.Has(tt.key, tt.code), fe.Error())
		})
	}

	createNode(t, db, "Person", map[string]any{"name": "ok", "status": nil, "born": "2000-01-01", "died": "2001-01-01"})
}

func TestPropertyKeysViews(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode("Person", map[string]any{"name": "a", "extra": 1})
		require.NoError(t, err)
		public := n.PropertyKeys(ViewPublic)
		assert.Equal(t, []string{"id", "uuid", "type", "name", "email"}, public[:5])
		assert.NotContains(t, public, "extra")

		all := n.PropertyKeys(ViewAll)
		assert.Equal(t, "id", all[0])
		assert.Contains(t, all, "extra")
		assert.Contains(t, all, schema.KeyCreatedDate)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteNodeCascades(t *testing.T) {
	db := setupTestDB(t, nil)
	var root, child, sibling, loose string
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		r, _ := tx.CreateNode("Place", nil)
		c, _ := tx.CreateNode("Place", nil)
		s, _ := tx.CreateNode("Place", nil)
		l, _ := tx.CreateNode("Place", nil)
		root, child, sibling, loose = r.UUID(), c.UUID(), s.UUID(), l.UUID()

		_, err := tx.CreateRelationship(r, c, "CONTAINS", map[string]any{schema.KeyCascadeDelete: int64(schema.CascadeSourceToTarget)})
		require.NoError(t, err)
		_, err = tx.CreateRelationship(r, s, "NEAR", nil)
		require.NoError(t, err)
		_, err = tx.CreateRelationship(r, l, "USES", map[string]any{schema.KeyCascadeDelete: int64(schema.CascadeConstraintBased)})
		require.NoError(t, err)
		// child to root cascades only from target to source
		_, err = tx.CreateRelationship(c, r, "PART_OF", map[string]any{schema.KeyCascadeDelete: int64(schema.CascadeTargetToSource)})
		return err
	})
	require.NoError(t, err)

	err = db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(root)
		require.NoError(t, err)
		require.NoError(t, tx.DeleteNode(n))

		passive := 0
		for _, s := range tx.Queue().States() {
			if !s.Object().IsNode() && s.IsPassivelyDeleted() {
				passive++
			}
		}
		assert.Equal(t, 4, passive)
		return nil
	})
	require.NoError(t, err)

	err = db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		for _, id := range []string{root, child, loose} {
			_, err := tx.NodeByUUID(id)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
		n, err := tx.NodeByUUID(sibling)
		require.NoError(t, err)
		rels, err := n.Relationships("", storage.Both)
		require.NoError(t, err)
		assert.Empty(t, rels)
		return nil
	})
	require.NoError(t, err)
}

func TestReadTransactionRejectsWrites(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Read(context.Background(), SuperUserContext(), func(tx *Tx) error {
		_, err := tx.CreateNode("Place", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCreateRelationshipMissingEndpoint(t *testing.T) {
	db := setupTestDB(t, nil)
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, _ := tx.CreateNode("Place", nil)
		_, err := tx.CreateRelationship(n, nil, "NEAR", nil)
		return err
	})
	fe, ok := validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, 404, fe.Status)
	assert.True(t, fe.Buffer.Has("endNode", validation.CodeIDNotFound))
}

func TestChangeSet(t *testing.T) {
	var sets []*ChangeSet
	db := setupTestDB(t, nil, func(o *Options) {
		o.Listeners = []CommitListener{CommitListenerFunc(func(_ context.Context, cs *ChangeSet) error {
			sets = append(sets, cs)
			return nil
		})}
	})
	id := createNode(t, db, "Person", map[string]any{"name": "a"})
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Changes, 1)
	assert.Equal(t, ChangeCreated, sets[0].Changes[0].Kind)
	assert.Equal(t, id, sets[0].Changes[0].UUID)

	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		return n.SetProperty("name", "b")
	})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, ChangeModified, sets[1].Changes[0].Kind)
	assert.Equal(t, "a", sets[1].Changes[0].Previous["name"])
	assert.Equal(t, []string{"Person"}, sets[1].Types())

	err = db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.NodeByUUID(id)
		require.NoError(t, err)
		return tx.DeleteNode(n)
	})
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, ChangeDeleted, sets[2].Changes[0].Kind)
	assert.Equal(t, id, sets[2].Changes[0].UUID)
}

func TestTransactOnClosedDatabase(t *testing.T) {
	db := setupTestDB(t, nil)
	require.NoError(t, db.Close())
	err := db.Transact(context.Background(), nil, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransactHonoursCancellation(t *testing.T) {
	db := setupTestDB(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	err := db.Transact(ctx, SuperUserContext(), func(tx *Tx) error {
		_, err := tx.CreateNode("Place", nil)
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	stats, err := db.Engine().Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Nodes)
}
