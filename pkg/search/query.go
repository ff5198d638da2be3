package search

import (
	"github.com/emirpasic/gods/sets/treeset"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// Env is what queries resolve against.
type Env struct {
	Tx *graph.Tx
	// Index may be nil; fulltext queries then leave narrowing to the
	// in-memory check.
	Index *FulltextIndex
}

// Query is the index-backed part of an attribute.
type Query interface {
	// Resolve returns the matching ids, or nil when the query cannot narrow
	// the candidates in env.
	Resolve(env Env) (*Matches, error)
}

// Matches is an ordered id set with optional relevance scores.
type Matches struct {
	ids    *treeset.Set
	scores map[storage.NodeID]float64
}

func newMatches() *Matches {
	return &Matches{ids: treeset.NewWith(compareNodeIDs), scores: make(map[storage.NodeID]float64)}
}

func compareNodeIDs(a, b any) int {
	x, y := a.(storage.NodeID), b.(storage.NodeID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (m *Matches) add(id storage.NodeID, score float64) {
	m.ids.Add(id)
	if score != 0 {
		m.scores[id] += score
	}
}

func (m *Matches) Contains(id storage.NodeID) bool { return m.ids.Contains(id) }

func (m *Matches) Size() int { return m.ids.Size() }

// IDs returns the ids in ascending order.
func (m *Matches) IDs() []storage.NodeID {
	out := make([]storage.NodeID, 0, m.ids.Size())
	for _, v := range m.ids.Values() {
		out = append(out, v.(storage.NodeID))
	}
	return out
}

// Score returns the relevance of id, zero for unranked matches.
func (m *Matches) Score(id storage.NodeID) float64 { return m.scores[id] }

type typeQuery string

func (q typeQuery) Resolve(env Env) (*Matches, error) {
	ids, err := env.Tx.NodeIDsByType(string(q))
	if err != nil {
		return nil, err
	}
	m := newMatches()
	for _, id := range ids {
		m.add(id, 0)
	}
	return m, nil
}

type sourceQuery struct{ a *SourceAttribute }

func (q sourceQuery) Resolve(env Env) (*Matches, error) {
	m := newMatches()
	source, err := env.Tx.NodeByUUID(q.a.SourceUUID)
	if err != nil {
		// unknown source: nothing matches
		return m, nil
	}
	rels, err := source.Relationships(q.a.RelType, q.a.Dir)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		if other := r.OtherNode(source); other != nil {
			m.add(other.NodeID(), 0)
		}
	}
	return m, nil
}

type fulltextQuery struct{ a *FulltextAttribute }

func (q fulltextQuery) Resolve(env Env) (*Matches, error) {
	if env.Index == nil {
		return nil, nil
	}
	m := newMatches()
	for _, hit := range env.Index.Search(q.a.Text, 0) {
		m.add(hit.ID, hit.Score)
	}
	return m, nil
}

// intersectQuery narrows to ids every resolvable query matches.
type intersectQuery []Query

func (qs intersectQuery) Resolve(env Env) (*Matches, error) {
	var acc *Matches
	for _, q := range qs {
		m, err := q.Resolve(env)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if acc == nil {
			acc = m
			continue
		}
		next := newMatches()
		for _, id := range acc.IDs() {
			if m.Contains(id) {
				next.add(id, acc.Score(id)+m.Score(id))
			}
		}
		acc = next
	}
	return acc, nil
}

// unionQuery widens to ids any query matches. One unresolvable query makes
// the union unresolvable.
type unionQuery []Query

func (qs unionQuery) Resolve(env Env) (*Matches, error) {
	acc := newMatches()
	for _, q := range qs {
		m, err := q.Resolve(env)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, nil
		}
		for _, id := range m.IDs() {
			acc.add(id, m.Score(id))
		}
	}
	return acc, nil
}
