package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphobjects/pkg/factory"
	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
)

func TestFulltextIndex_BM25(t *testing.T) {
	idx := NewFulltextIndex()
	docs := map[storage.NodeID]string{
		1: "machine learning deep neural networks",
		2: "deep learning with tensorflow and pytorch",
		3: "database systems and query optimization",
		4: "natural language processing with transformers",
	}
	for id, text := range docs {
		require.NoError(t, idx.IndexDocument(graph.Document{ID: id, Fields: map[string]string{"body": text}}))
	}
	assert.Equal(t, 4, idx.Count())

	results := idx.Search("deep learning", 10)
	require.Len(t, results, 2)
	ids := []storage.NodeID{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []storage.NodeID{1, 2}, ids)

	results = idx.Search("database query", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, storage.NodeID(3), results[0].ID)

	// prefix match
	results = idx.Search("optim", 10)
	require.Len(t, results, 1)
	assert.Equal(t, storage.NodeID(3), results[0].ID)

	assert.Len(t, idx.Search("learning", 1), 1)
	assert.Empty(t, idx.Search("the and", 10))
}

func TestFulltextIndex_ReplaceAndRemove(t *testing.T) {
	idx := NewFulltextIndex()
	require.NoError(t, idx.IndexDocument(graph.Document{ID: 7, Fields: map[string]string{"name": "Alice Smith"}}))
	require.Len(t, idx.Search("alice", 0), 1)

	require.NoError(t, idx.IndexDocument(graph.Document{ID: 7, Fields: map[string]string{"name": "Bob Smith"}}))
	assert.Empty(t, idx.Search("alice", 0))
	assert.Len(t, idx.Search("bob", 0), 1)
	text, ok := idx.Field(7, "name")
	assert.True(t, ok)
	assert.Equal(t, "Bob Smith", text)

	require.NoError(t, idx.RemoveDocument(7))
	assert.Equal(t, 0, idx.Count())
	assert.Empty(t, idx.Search("smith", 0))
	require.NoError(t, idx.RemoveDocument(7))
}

func TestFulltextIndex_Tokenization(t *testing.T) {
	tokens := tokenize("Hello, World! This is a TEST-123.")

	assert.Contains(t, tokens, "hello")
	assert.Contains(t, tokens, "world")
	assert.Contains(t, tokens, "test")
	assert.Contains(t, tokens, "123")

	assert.NotContains(t, tokens, "this")
	assert.NotContains(t, tokens, "is")
	assert.NotContains(t, tokens, "a")
}

func TestOccurString(t *testing.T) {
	assert.Equal(t, "MUST", Must.String())
	assert.Equal(t, "SHOULD", Should.String())
	assert.Equal(t, "MUST_NOT", MustNot.String())
}

type people struct {
	db    *graph.Database
	index *FulltextIndex
	ids   map[string]string
}

// setupPeople creates alice (30, Berlin), bob (25, Paris), carol (41,
// Berlin) and one company. Alice knows bob and carol.
func setupPeople(t *testing.T) *people {
	t.Helper()
	reg, err := schema.NewBuilder().
		AddType(&schema.TypeDef{Name: "Person", Properties: []*schema.PropertyDef{
			{Name: "name", Type: schema.TypeString, Fulltext: true},
			{Name: "bio", Type: schema.TypeString, Fulltext: true},
			{Name: "age", Type: schema.TypeInt},
			{Name: "city", Type: schema.TypeString},
		}}).
		AddType(&schema.TypeDef{Name: "Employee", Extends: "Person"}).
		AddType(&schema.TypeDef{Name: "Company", Properties: []*schema.PropertyDef{
			{Name: "name", Type: schema.TypeString, Fulltext: true},
		}}).
		Build()
	require.NoError(t, err)

	idx := NewFulltextIndex()
	db, err := graph.Open(storage.NewMemoryEngine(), graph.Options{Registry: reg, Logger: logger.Nop(), Indexer: idx})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := &people{db: db, index: idx, ids: map[string]string{}}
	err = db.Transact(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		nodes := map[string]*graph.Node{}
		for _, person := range []struct {
			typ, name, bio, city string
			age                  int
		}{
			{"Person", "Alice Smith", "gardening and chess", "Berlin", 30},
			{"Person", "Bob Jones", "chess grandmaster", "Paris", 25},
			{"Employee", "Carol Smith", "rock climbing", "Berlin", 41},
		} {
			n, err := tx.CreateNode(person.typ, map[string]any{"name": person.name, "bio": person.bio, "city": person.city, "age": person.age})
			if err != nil {
				return err
			}
			nodes[person.name] = n
			p.ids[person.name] = n.UUID()
		}
		c, err := tx.CreateNode("Company", map[string]any{"name": "Smith Industries"})
		if err != nil {
			return err
		}
		p.ids["company"] = c.UUID()
		if _, err := tx.CreateRelationship(nodes["Alice Smith"], nodes["Bob Jones"], "KNOWS", nil); err != nil {
			return err
		}
		_, err = tx.CreateRelationship(nodes["Alice Smith"], nodes["Carol Smith"], "KNOWS", nil)
		return err
	})
	require.NoError(t, err)
	return p
}

func (p *people) search(t *testing.T, req Request, index *FulltextIndex) []string {
	t.Helper()
	var names []string
	err := p.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		res, err := NewSearcher(tx, index).Search(req)
		if err != nil {
			return err
		}
		for _, id := range res.IDs() {
			n, err := tx.NodeByID(id)
			require.NoError(t, err)
			name, _ := n.Property("name").(string)
			names = append(names, name)
		}
		return nil
	})
	require.NoError(t, err)
	return names
}

func TestSearchAttributes(t *testing.T) {
	p := setupPeople(t)
	tests := []struct {
		name  string
		query *Group
		want  []string
	}{
		{"type includes subtypes", NewGroup(Must, Type(Must, "Person")),
			[]string{"Alice Smith", "Bob Jones", "Carol Smith"}},
		{"subtype only", NewGroup(Must, Type(Must, "Employee")),
			[]string{"Carol Smith"}},
		{"exact property", NewGroup(Must, Type(Must, "Person"), Property(Must, "city", "Berlin")),
			[]string{"Alice Smith", "Carol Smith"}},
		{"exact is case sensitive", NewGroup(Must, Property(Must, "city", "berlin")),
			nil},
		{"inexact property", NewGroup(Must, PropertyLike(Must, "name", "SMI")),
			[]string{"Alice Smith", "Carol Smith", "Smith Industries"}},
		{"integer", NewGroup(Must, Integer(Must, "age", 25)),
			[]string{"Bob Jones"}},
		{"range", NewGroup(Must, Range(Must, "age", 26, 41)),
			[]string{"Alice Smith", "Carol Smith"}},
		{"open range", NewGroup(Must, Range(Must, "age", nil, 30)),
			[]string{"Alice Smith", "Bob Jones"}},
		{"must not", NewGroup(Must, Type(Must, "Person"), Property(MustNot, "city", "Berlin")),
			[]string{"Bob Jones"}},
		{"should without must", NewGroup(Must, Integer(Should, "age", 25), Integer(Should, "age", 41)),
			[]string{"Bob Jones", "Carol Smith"}},
		{"should is optional next to must", NewGroup(Must, Type(Must, "Person"), Integer(Should, "age", 25)),
			[]string{"Alice Smith", "Bob Jones", "Carol Smith"}},
		{"only must not", NewGroup(Must, Type(MustNot, "Person")),
			[]string{"Smith Industries"}},
		{"source", NewGroup(Must, Source(Must, p.ids["Alice Smith"], "KNOWS", storage.Outgoing), Property(Must, "city", "Berlin")),
			[]string{"Carol Smith"}},
		{"source unknown", NewGroup(Must, Source(Must, "missing", "KNOWS", storage.Outgoing)),
			nil},
		{"nested groups", NewGroup(Must,
			Type(Must, "Person"),
			NewGroup(Must, Property(Should, "city", "Paris"), Integer(Should, "age", 41))),
			[]string{"Bob Jones", "Carol Smith"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.search(t, Request{Query: tt.query}, p.index))
		})
	}
}

func TestSearchFulltext(t *testing.T) {
	p := setupPeople(t)
	// the indexer received the committed documents
	assert.Equal(t, 4, p.index.Count())

	q := NewGroup(Must, Type(Must, "Person"), Fulltext(Must, "", "chess"))
	got := p.search(t, Request{Query: q}, p.index)
	assert.ElementsMatch(t, []string{"Alice Smith", "Bob Jones"}, got)

	// a key narrows to one field
	q = NewGroup(Must, Fulltext(Must, "name", "smith"))
	assert.ElementsMatch(t, []string{"Alice Smith", "Carol Smith", "Smith Industries"}, p.search(t, Request{Query: q}, p.index))
	q = NewGroup(Must, Fulltext(Must, "bio", "smith"))
	assert.Empty(t, p.search(t, Request{Query: q}, p.index))

	// without an index the in-memory check gives the same matches
	q = NewGroup(Must, Type(Must, "Person"), Fulltext(Must, "", "chess"))
	assert.ElementsMatch(t, got, p.search(t, Request{Query: q}, nil))
}

func TestSearchSorting(t *testing.T) {
	p := setupPeople(t)
	q := NewGroup(Must, Type(Must, "Person"))
	assert.Equal(t, []string{"Bob Jones", "Alice Smith", "Carol Smith"}, p.search(t, Request{Query: q, SortKey: "age"}, p.index))
	assert.Equal(t, []string{"Carol Smith", "Alice Smith", "Bob Jones"}, p.search(t, Request{Query: q, SortKey: "age", SortDescending: true}, p.index))
}

func TestSearchFeedsFactory(t *testing.T) {
	p := setupPeople(t)
	err := p.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		res, err := NewSearcher(tx, p.index).Search(Request{Query: NewGroup(Must, Type(Must, "Person")), SortKey: "age"})
		require.NoError(t, err)

		profile := factory.DefaultProfile(graph.SuperUserContext())
		profile.PageSize = 2
		profile.Page = 2
		page, err := factory.Nodes(tx, profile, "Person").InstantiateHits(res)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "Carol Smith", page.Items[0].Property("name"))
		assert.Equal(t, 3, page.Total)
		return nil
	})
	require.NoError(t, err)
}

func TestRebuild(t *testing.T) {
	p := setupPeople(t)
	fresh := NewFulltextIndex()
	err := p.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		return fresh.Rebuild(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, p.index.Count(), fresh.Count())
	assert.Len(t, fresh.Search("climbing", 0), 1)
}
