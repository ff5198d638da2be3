package relation

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewBuilder().
		AddType(&schema.TypeDef{
			Name: "Person",
			Relations: []*schema.RelationDef{
				{Name: "employer", RelType: "WORKS_AT", Target: "Company", Cardinality: schema.ManyToOne},
				{Name: "friends", RelType: "KNOWS", Target: "Person", Cardinality: schema.ManyToMany},
			},
		}).
		AddType(&schema.TypeDef{
			Name: "Company",
			Relations: []*schema.RelationDef{
				{Name: "ceo", RelType: "LEADS", Target: "Person", Direction: schema.Incoming, Cardinality: schema.OneToOne},
				{Name: "employees", RelType: "EMPLOYS", Target: "Person", Cardinality: schema.OneToMany},
			},
		}).
		Build()
	require.NoError(t, err)
	return reg
}

// failingEngine fails relationship deletions in write transactions once
// armed.
type failingEngine struct {
	storage.Engine
	fail atomic.Bool
}

func (e *failingEngine) Begin(update bool) (storage.Transaction, error) {
	tx, err := e.Engine.Begin(update)
	if err != nil {
		return nil, err
	}
	return &failingTx{Transaction: tx, engine: e}, nil
}

type failingTx struct {
	storage.Transaction
	engine *failingEngine
}

func (t *failingTx) DeleteEdge(id storage.EdgeID) error {
	if t.engine.fail.Load() {
		return errors.New("disk full")
	}
	return t.Transaction.DeleteEdge(id)
}

type fixture struct {
	t      *testing.T
	db     *graph.Database
	engine *failingEngine
	reg    *schema.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()
	engine := &failingEngine{Engine: storage.NewMemoryEngine()}
	reg := testRegistry(t)
	db, err := graph.Open(engine, graph.Options{Registry: reg, Logger: logger.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{t: t, db: db, engine: engine, reg: reg}
}

func (f *fixture) create(typeName string) string {
	f.t.Helper()
	var id string
	err := f.db.Transact(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.CreateNode(typeName, nil)
		if err != nil {
			return err
		}
		id = n.UUID()
		return nil
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) property(typeName, name string) *Property {
	f.t.Helper()
	p, err := Lookup(f.reg, typeName, name, logger.Nop())
	require.NoError(f.t, err)
	return p
}

func (f *fixture) link(typeName, name, source, target string) error {
	return f.property(typeName, name).Link(context.Background(), f.db, graph.SuperUserContext(), source, target, nil)
}

// edges returns the uuids at the other end of node's relType relationships
// in dir.
func (f *fixture) edges(node, relType string, dir storage.Direction) []string {
	f.t.Helper()
	var out []string
	err := f.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(node)
		if err != nil {
			return err
		}
		rels, err := n.Relationships(relType, dir)
		if err != nil {
			return err
		}
		for _, r := range rels {
			out = append(out, r.OtherNode(n).UUID())
		}
		return nil
	})
	require.NoError(f.t, err)
	return out
}

func TestLookup(t *testing.T) {
	f := setup(t)
	p := f.property("Company", "ceo")
	assert.Equal(t, "Company", p.Def().Declaring)
	assert.Equal(t, "Person|LEADS|Company", p.Def().CombinedType())

	_, err := Lookup(f.reg, "Person", "nope", nil)
	assert.Error(t, err)
}

func TestManyToOneReplacesSourceRelationship(t *testing.T) {
	f := setup(t)
	p, c1, c2 := f.create("Person"), f.create("Company"), f.create("Company")

	require.NoError(t, f.link("Person", "employer", p, c1))
	assert.Equal(t, []string{c1}, f.edges(p, "WORKS_AT", storage.Outgoing))

	require.NoError(t, f.link("Person", "employer", p, c2))
	assert.Equal(t, []string{c2}, f.edges(p, "WORKS_AT", storage.Outgoing))
	assert.Empty(t, f.edges(c1, "WORKS_AT", storage.Both))

	// other people may work at the same company
	q := f.create("Person")
	require.NoError(t, f.link("Person", "employer", q, c2))
	assert.ElementsMatch(t, []string{p, q}, f.edges(c2, "WORKS_AT", storage.Incoming))
}

func TestOneToManyReplacesTargetRelationship(t *testing.T) {
	f := setup(t)
	c1, c2 := f.create("Company"), f.create("Company")
	p, q := f.create("Person"), f.create("Person")

	require.NoError(t, f.link("Company", "employees", c1, p))
	require.NoError(t, f.link("Company", "employees", c1, q))
	assert.Equal(t, []string{p, q}, f.edges(c1, "EMPLOYS", storage.Outgoing))

	require.NoError(t, f.link("Company", "employees", c2, p))
	assert.Equal(t, []string{q}, f.edges(c1, "EMPLOYS", storage.Outgoing))
	assert.Equal(t, []string{c2}, f.edges(p, "EMPLOYS", storage.Incoming))
}

func TestOneToOneIncoming(t *testing.T) {
	f := setup(t)
	c1, c2 := f.create("Company"), f.create("Company")
	a, b := f.create("Person"), f.create("Person")

	require.NoError(t, f.link("Company", "ceo", c1, a))
	// stored from the person to the company
	assert.Equal(t, []string{c1}, f.edges(a, "LEADS", storage.Outgoing))
	assert.Equal(t, []string{a}, f.edges(c1, "LEADS", storage.Incoming))

	// c1 gets a new ceo, a loses the position
	require.NoError(t, f.link("Company", "ceo", c1, b))
	assert.Equal(t, []string{b}, f.edges(c1, "LEADS", storage.Incoming))
	assert.Empty(t, f.edges(a, "LEADS", storage.Both))

	// b moves on to c2, c1 is left without a ceo
	require.NoError(t, f.link("Company", "ceo", c2, b))
	assert.Equal(t, []string{c2}, f.edges(b, "LEADS", storage.Outgoing))
	assert.Empty(t, f.edges(c1, "LEADS", storage.Both))

	err := f.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(b)
		require.NoError(t, err)
		rels, err := n.Relationships("LEADS", storage.Outgoing)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, "Person|LEADS|Company", rels[0].CombinedType())
		return nil
	})
	require.NoError(t, err)
}

func TestManyToManyKeepsEverything(t *testing.T) {
	f := setup(t)
	a, b, c := f.create("Person"), f.create("Person"), f.create("Person")

	require.NoError(t, f.link("Person", "friends", a, b))
	require.NoError(t, f.link("Person", "friends", a, c))
	require.NoError(t, f.link("Person", "friends", c, b))

	assert.Equal(t, []string{b, c}, f.edges(a, "KNOWS", storage.Outgoing))
	assert.ElementsMatch(t, []string{a, c}, f.edges(b, "KNOWS", storage.Incoming))
}

func TestRemoveRelationship(t *testing.T) {
	f := setup(t)
	a, b, c := f.create("Person"), f.create("Person"), f.create("Person")
	co := f.create("Company")
	ctx := context.Background()
	sc := graph.SuperUserContext()

	require.NoError(t, f.link("Person", "friends", a, b))
	require.NoError(t, f.link("Person", "friends", a, c))
	require.NoError(t, f.property("Person", "friends").Unlink(ctx, f.db, sc, a, b))
	assert.Equal(t, []string{c}, f.edges(a, "KNOWS", storage.Outgoing))

	require.NoError(t, f.link("Person", "employer", a, co))
	require.NoError(t, f.property("Person", "employer").Unlink(ctx, f.db, sc, a, co))
	assert.Empty(t, f.edges(a, "WORKS_AT", storage.Both))

	require.NoError(t, f.link("Company", "employees", co, b))
	require.NoError(t, f.property("Company", "employees").Unlink(ctx, f.db, sc, co, b))
	assert.Empty(t, f.edges(b, "EMPLOYS", storage.Both))
}

func TestRelated(t *testing.T) {
	f := setup(t)
	a, b, c := f.create("Person"), f.create("Person"), f.create("Person")
	require.NoError(t, f.link("Person", "friends", a, b))
	require.NoError(t, f.link("Person", "friends", a, c))

	p := f.property("Person", "friends")
	err := f.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(a)
		require.NoError(t, err)
		related, err := p.Related(tx, n)
		require.NoError(t, err)
		var got []string
		for _, r := range related {
			got = append(got, r.UUID())
		}
		assert.Equal(t, []string{b, c}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestMissingEndpoints(t *testing.T) {
	f := setup(t)
	a := f.create("Person")
	p := f.property("Person", "friends")

	err := f.db.Transact(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(a)
		require.NoError(t, err)
		_, err = p.CreateRelationship(tx, n, nil, nil)
		return err
	})
	fe, ok := validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.True(t, fe.Buffer.Has(TargetKey, validation.CodeIDNotFound))

	err = f.link("Person", "friends", "missing", a)
	fe, ok = validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.True(t, fe.Buffer.Has(SourceKey, validation.CodeIDNotFound))
}

func TestFailedCleanupRollsBackNewRelationship(t *testing.T) {
	f := setup(t)
	p, c1, c2 := f.create("Person"), f.create("Company"), f.create("Company")
	require.NoError(t, f.link("Person", "employer", p, c1))

	f.engine.fail.Store(true)
	err := f.link("Person", "employer", p, c2)
	f.engine.fail.Store(false)

	fe, ok := validation.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, fe.Status)

	assert.Equal(t, []string{c1}, f.edges(p, "WORKS_AT", storage.Outgoing))
	assert.Empty(t, f.edges(c2, "WORKS_AT", storage.Both))
}
