package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewBuilder().
		AddType(&schema.TypeDef{Name: "User"}).
		AddType(&schema.TypeDef{
			Name: "Person",
			Properties: []*schema.PropertyDef{
				{Name: "name", Type: schema.TypeString, NotBlank: true, Fulltext: true},
				{Name: "email", Type: schema.TypeString, SyncKey: "email"},
				{Name: "age", Type: schema.TypeInt},
				{Name: "status", Type: schema.TypeEnum, Values: []string{"active", "inactive"}, Nullable: true},
				{Name: "born", Type: schema.TypeDate},
				{Name: "died", Type: schema.TypeDate},
				{Name: "code", ReadOnly: true},
			},
			Chronological: [][2]string{{"born", "died"}},
		}).
		AddType(&schema.TypeDef{Name: "Employee", Extends: "Person"}).
		AddType(&schema.TypeDef{Name: "Place", PropagateVia: []string{schema.RelIsAt}}).
		Build()
	require.NoError(t, err)
	return reg
}

func setupTestDB(t *testing.T, hooks *HookRegistry, configure ...func(*Options)) *Database {
	t.Helper()
	opts := Options{
		Registry: testRegistry(t),
		Hooks:    hooks,
		Logger:   logger.Nop(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	db, err := Open(storage.NewMemoryEngine(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// createNode commits a single node and returns its uuid.
func createNode(t *testing.T, db *Database, typeName string, props map[string]any) string {
	t.Helper()
	var id string
	err := db.Transact(context.Background(), SuperUserContext(), func(tx *Tx) error {
		n, err := tx.CreateNode(typeName, props)
		if err != nil {
			return err
		}
		id = n.UUID()
		return nil
	})
	require.NoError(t, err)
	return id
}

type recordingIndexer struct {
	indexed []Document
	removed []storage.NodeID
}

func (r *recordingIndexer) IndexDocument(doc Document) error {
	r.indexed = append(r.indexed, doc)
	return nil
}

func (r *recordingIndexer) RemoveDocument(id storage.NodeID) error {
	r.removed = append(r.removed, id)
	return nil
}
