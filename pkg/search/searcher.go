package search

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/orneryd/graphobjects/pkg/convert"
	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// Group combines attributes by their Occur. Groups nest.
type Group struct {
	occurrence
	Attributes []Attribute
}

// NewGroup returns a group of attrs.
func NewGroup(occur Occur, attrs ...Attribute) *Group {
	return &Group{occurrence: occurrence(occur), Attributes: attrs}
}

// Add appends attributes to the group.
func (g *Group) Add(attrs ...Attribute) *Group {
	g.Attributes = append(g.Attributes, attrs...)
	return g
}

// Query narrows through the group's MUST queries. Without MUST attributes
// it narrows to the union of the SHOULD queries, provided every SHOULD
// attribute has one.
func (g *Group) Query() Query {
	var musts, shoulds intersectQuery
	hasMust, shouldsIndexed := false, true
	for _, a := range g.Attributes {
		q := a.Query()
		switch a.Occur() {
		case Must:
			hasMust = true
			if q != nil {
				musts = append(musts, q)
			}
		case Should:
			if q == nil {
				shouldsIndexed = false
			} else {
				shoulds = append(shoulds, q)
			}
		}
	}
	switch {
	case len(musts) > 0:
		return musts
	case !hasMust && shouldsIndexed && len(shoulds) > 0:
		return unionQuery(shoulds)
	}
	return nil
}

// IncludeInResult applies the boolean rules to n. A group with only
// MUST_NOT attributes matches every node none of them matches.
func (g *Group) IncludeInResult(n *graph.Node) bool {
	hasMust, hasShould, anyShould := false, false, false
	for _, a := range g.Attributes {
		switch a.Occur() {
		case Must:
			hasMust = true
			if !a.IncludeInResult(n) {
				return false
			}
		case MustNot:
			if a.IncludeInResult(n) {
				return false
			}
		case Should:
			hasShould = true
			if !anyShould && a.IncludeInResult(n) {
				anyShould = true
			}
		}
	}
	return hasMust || !hasShould || anyShould
}

// Request is one search.
type Request struct {
	Query *Group
	// SortKey orders the result by a property; nodes without it sort last.
	// Without a key, ranked results order by score and the rest by id.
	SortKey        string
	SortDescending bool
}

// Result is the ordered outcome of a search. It satisfies factory.Hits.
type Result struct {
	ids    []storage.NodeID
	scores map[storage.NodeID]float64
}

func (r *Result) Size() int { return len(r.ids) }

func (r *Result) Each(fn func(storage.NodeID) bool) error {
	for _, id := range r.ids {
		if !fn(id) {
			break
		}
	}
	return nil
}

// IDs returns the matching ids in result order.
func (r *Result) IDs() []storage.NodeID { return r.ids }

// Score returns the relevance of id.
func (r *Result) Score(id storage.NodeID) float64 { return r.scores[id] }

// Searcher runs searches inside a transaction.
type Searcher struct {
	tx    *graph.Tx
	index *FulltextIndex
	log   *slog.Logger
}

// NewSearcher returns a searcher over tx. index may be nil.
func NewSearcher(tx *graph.Tx, index *FulltextIndex) *Searcher {
	return &Searcher{tx: tx, index: index, log: tx.Logger().With(logger.Scope("search"))}
}

// Search resolves the candidates through the index-backed queries, checks
// each candidate in memory and orders the matches.
func (s *Searcher) Search(req Request) (*Result, error) {
	start := time.Now()
	group := req.Query
	if group == nil {
		group = NewGroup(Must)
	}

	var candidates []storage.NodeID
	scores := map[storage.NodeID]float64{}
	var matches *Matches
	if q := group.Query(); q != nil {
		var err error
		if matches, err = q.Resolve(Env{Tx: s.tx, Index: s.index}); err != nil {
			return nil, err
		}
	}
	if matches != nil {
		candidates = matches.IDs()
		scores = matches.scores
	} else {
		var err error
		if candidates, err = s.tx.NodeIDs(); err != nil {
			return nil, err
		}
	}

	var nodes []*graph.Node
	for _, id := range candidates {
		n, err := s.tx.NodeByID(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if group.IncludeInResult(n) {
			nodes = append(nodes, n)
		}
	}

	switch {
	case req.SortKey != "":
		sortByProperty(nodes, req.SortKey, req.SortDescending)
	case len(scores) > 0:
		sort.SliceStable(nodes, func(i, j int) bool {
			return scores[nodes[i].NodeID()] > scores[nodes[j].NodeID()]
		})
	}

	res := &Result{ids: make([]storage.NodeID, len(nodes)), scores: scores}
	for i, n := range nodes {
		res.ids[i] = n.NodeID()
	}
	s.log.Debug("search",
		slog.Int("candidates", len(candidates)),
		slog.Int("matches", len(res.ids)),
		slog.Bool("indexed", matches != nil),
		slog.Duration("took", time.Since(start)))
	return res, nil
}

func sortByProperty(nodes []*graph.Node, key string, desc bool) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Property(key), nodes[j].Property(key)
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		c, ok := convert.Compare(a, b)
		if !ok {
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}
