package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// BM25 parameters
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// prefixBoost scales matches on a longer indexed term that starts with
	// the query term.
	prefixBoost = 0.8
)

// Hit is a scored fulltext match.
type Hit struct {
	ID    storage.NodeID
	Score float64
}

// FulltextIndex is an in-memory BM25 index over the fulltext properties of
// nodes. It receives committed changes as a graph.Indexer.
type FulltextIndex struct {
	mu sync.RWMutex

	// per node, field -> text
	documents map[storage.NodeID]map[string]string
	// term -> node -> term frequency
	inverted   map[string]map[storage.NodeID]int
	docLengths map[storage.NodeID]int

	avgDocLength float64
}

var _ graph.Indexer = (*FulltextIndex)(nil)

// NewFulltextIndex returns an empty index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		documents:  make(map[storage.NodeID]map[string]string),
		inverted:   make(map[string]map[storage.NodeID]int),
		docLengths: make(map[storage.NodeID]int),
	}
}

// IndexDocument adds or replaces the document of a node.
func (f *FulltextIndex) IndexDocument(doc graph.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remove(doc.ID)

	var tokens []string
	fields := make(map[string]string, len(doc.Fields))
	for key, text := range doc.Fields {
		fields[key] = text
		tokens = append(tokens, tokenize(text)...)
	}
	if len(tokens) == 0 {
		return nil
	}

	f.documents[doc.ID] = fields
	f.docLengths[doc.ID] = len(tokens)
	for _, tok := range tokens {
		docs := f.inverted[tok]
		if docs == nil {
			docs = make(map[storage.NodeID]int)
			f.inverted[tok] = docs
		}
		docs[doc.ID]++
	}
	f.updateAvgDocLength()
	return nil
}

// RemoveDocument drops a node from the index.
func (f *FulltextIndex) RemoveDocument(id storage.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(id)
	return nil
}

func (f *FulltextIndex) remove(id storage.NodeID) {
	fields, ok := f.documents[id]
	if !ok {
		return
	}
	for _, text := range fields {
		for _, tok := range tokenize(text) {
			if docs, ok := f.inverted[tok]; ok {
				delete(docs, id)
				if len(docs) == 0 {
					delete(f.inverted, tok)
				}
			}
		}
	}
	delete(f.documents, id)
	delete(f.docLengths, id)
	f.updateAvgDocLength()
}

// Search scores every document containing a query term or a term starting
// with one. Results are ordered by score, then id. A limit of zero or less
// returns every match.
func (f *FulltextIndex) Search(query string, limit int) []Hit {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.documents) == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make(map[storage.NodeID]float64)
	for _, term := range terms {
		for indexed, docs := range f.inverted {
			boost := 1.0
			switch {
			case indexed == term:
			case strings.HasPrefix(indexed, term):
				boost = prefixBoost
			default:
				continue
			}
			idf := f.idf(indexed) * boost
			for id, freq := range docs {
				scores[id] += idf * f.termWeight(id, freq)
			}
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (f *FulltextIndex) termWeight(id storage.NodeID, freq int) float64 {
	tf := float64(freq)
	docLen := float64(f.docLengths[id])
	return tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength)))
}

// idf uses log(1 + (N - df + 0.5) / (df + 0.5)), which stays non-negative
// for common terms.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.inverted[term]))
	n := float64(len(f.documents))
	return max(0, math.Log(1+(n-df+0.5)/(df+0.5)))
}

func (f *FulltextIndex) updateAvgDocLength() {
	if len(f.docLengths) == 0 {
		f.avgDocLength = 0
		return
	}
	total := 0
	for _, l := range f.docLengths {
		total += l
	}
	f.avgDocLength = float64(total) / float64(len(f.docLengths))
}

// Count returns the number of indexed nodes.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.documents)
}

// Field returns the indexed text of one field of a node.
func (f *FulltextIndex) Field(id storage.NodeID, key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	text, ok := f.documents[id][key]
	return text, ok
}

// Rebuild indexes every node visible in tx. Engines do not persist the
// index, so a process opening an existing store calls Rebuild once.
func (f *FulltextIndex) Rebuild(tx *graph.Tx) error {
	nodes, err := tx.AllNodes()
	if err != nil {
		return err
	}
	batch := &graph.IndexBatch{}
	for _, n := range nodes {
		n.UpdateIndex(batch)
	}
	return batch.Apply(f)
}

// tokenize lowercases text, splits it on anything that is not a letter or
// digit and drops stop words and single characters.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	tokens := words[:0]
	for _, w := range words {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
