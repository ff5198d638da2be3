// Package search selects nodes through composable search attributes.
//
// An attribute has two faces. Query returns the index-backed part, which
// can narrow the candidate set without touching the nodes; attributes that
// cannot be answered by an index return nil. IncludeInResult checks a
// single node in memory. Attributes combine in a Group by their Occur:
//
//   - MUST: every MUST attribute matches
//   - SHOULD: without MUST attributes, at least one SHOULD attribute matches
//   - MUST_NOT: no MUST_NOT attribute matches
//
// Example:
//
//	q := search.NewGroup(search.Must,
//		search.Type(search.Must, "Person"),
//		search.Fulltext(search.Must, "name", "alice"),
//		search.Range(search.MustNot, "age", nil, 17),
//	)
//	res, err := search.NewSearcher(tx, index).Search(search.Request{Query: q})
package search

import (
	"fmt"
	"strings"

	"github.com/orneryd/graphobjects/pkg/convert"
	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// Occur is how an attribute takes part in its group.
type Occur int

const (
	Must Occur = iota
	Should
	MustNot
)

func (o Occur) String() string {
	switch o {
	case Must:
		return "MUST"
	case Should:
		return "SHOULD"
	case MustNot:
		return "MUST_NOT"
	}
	return fmt.Sprintf("Occur(%d)", int(o))
}

// Attribute is one search predicate.
type Attribute interface {
	Occur() Occur
	// Query returns the index-backed query, or nil when the attribute only
	// filters in memory.
	Query() Query
	// IncludeInResult reports whether n satisfies the attribute.
	IncludeInResult(n *graph.Node) bool
}

type occurrence Occur

func (o occurrence) Occur() Occur { return Occur(o) }

// TypeAttribute matches nodes of a type or one of its subtypes.
type TypeAttribute struct {
	occurrence
	TypeName string
}

// Type returns a type attribute.
func Type(occur Occur, typeName string) *TypeAttribute {
	return &TypeAttribute{occurrence: occurrence(occur), TypeName: typeName}
}

func (a *TypeAttribute) Query() Query { return typeQuery(a.TypeName) }

func (a *TypeAttribute) IncludeInResult(n *graph.Node) bool { return n.IsA(a.TypeName) }

// PropertyAttribute compares a property with a value. Exact attributes use
// typed equality; inexact ones a case-insensitive substring match on the
// string forms.
type PropertyAttribute struct {
	occurrence
	Key   string
	Value any
	Exact bool
}

// Property returns an exact property attribute. A nil value matches nodes
// without the property.
func Property(occur Occur, key string, value any) *PropertyAttribute {
	return &PropertyAttribute{occurrence: occurrence(occur), Key: key, Value: storage.NormalizeValue(value), Exact: true}
}

// PropertyLike returns an inexact property attribute.
func PropertyLike(occur Occur, key string, value any) *PropertyAttribute {
	return &PropertyAttribute{occurrence: occurrence(occur), Key: key, Value: value}
}

func (a *PropertyAttribute) Query() Query { return nil }

func (a *PropertyAttribute) IncludeInResult(n *graph.Node) bool {
	v := n.Property(a.Key)
	if a.Exact {
		return convert.Equal(v, a.Value)
	}
	have, ok := convert.ToString(v)
	if !ok {
		return false
	}
	want, _ := convert.ToString(a.Value)
	return strings.Contains(strings.ToLower(have), strings.ToLower(want))
}

// IntegerAttribute matches an integer property. Values that do not convert
// to an integer never match.
type IntegerAttribute struct {
	occurrence
	Key   string
	Value int64
}

// Integer returns an integer attribute.
func Integer(occur Occur, key string, value int64) *IntegerAttribute {
	return &IntegerAttribute{occurrence: occurrence(occur), Key: key, Value: value}
}

func (a *IntegerAttribute) Query() Query { return nil }

func (a *IntegerAttribute) IncludeInResult(n *graph.Node) bool {
	v, ok := convert.ToInt64(n.Property(a.Key))
	return ok && v == a.Value
}

// RangeAttribute matches a property within [From, To]. A nil bound is
// open. Nodes without the property, or with a value not comparable to a
// bound, never match.
type RangeAttribute struct {
	occurrence
	Key      string
	From, To any
}

// Range returns a range attribute.
func Range(occur Occur, key string, from, to any) *RangeAttribute {
	return &RangeAttribute{
		occurrence: occurrence(occur),
		Key:        key,
		From:       storage.NormalizeValue(from),
		To:         storage.NormalizeValue(to),
	}
}

func (a *RangeAttribute) Query() Query { return nil }

func (a *RangeAttribute) IncludeInResult(n *graph.Node) bool {
	v := n.Property(a.Key)
	if v == nil {
		return false
	}
	if a.From != nil {
		c, ok := convert.Compare(v, a.From)
		if !ok || c < 0 {
			return false
		}
	}
	if a.To != nil {
		c, ok := convert.Compare(v, a.To)
		if !ok || c > 0 {
			return false
		}
	}
	return true
}

// SourceAttribute matches the nodes a source node reaches through
// relationships of a type. Dir is seen from the source.
type SourceAttribute struct {
	occurrence
	SourceUUID string
	RelType    string
	Dir        storage.Direction
}

// Source returns a source attribute.
func Source(occur Occur, sourceUUID, relType string, dir storage.Direction) *SourceAttribute {
	return &SourceAttribute{occurrence: occurrence(occur), SourceUUID: sourceUUID, RelType: relType, Dir: dir}
}

func (a *SourceAttribute) Query() Query { return sourceQuery{a} }

func (a *SourceAttribute) IncludeInResult(n *graph.Node) bool {
	rels, err := n.Relationships(a.RelType, reverse(a.Dir))
	if err != nil {
		return false
	}
	for _, r := range rels {
		if other := r.OtherNode(n); other != nil && other.UUID() == a.SourceUUID {
			return true
		}
	}
	return false
}

// FulltextAttribute matches nodes whose fulltext properties contain a term
// of Text, or a word starting with one. An empty Key searches every
// fulltext property; the index does not separate fields, so a key narrows
// in memory only.
type FulltextAttribute struct {
	occurrence
	Key  string
	Text string
}

// Fulltext returns a fulltext attribute.
func Fulltext(occur Occur, key, text string) *FulltextAttribute {
	return &FulltextAttribute{occurrence: occurrence(occur), Key: key, Text: text}
}

func (a *FulltextAttribute) Query() Query { return fulltextQuery{a} }

func (a *FulltextAttribute) IncludeInResult(n *graph.Node) bool {
	terms := tokenize(a.Text)
	if len(terms) == 0 {
		return false
	}
	for _, def := range n.Tx().Registry().Properties(n.Type()) {
		if !def.Fulltext || (a.Key != "" && def.Name != a.Key) {
			continue
		}
		text, ok := convert.ToString(n.Property(def.Name))
		if !ok {
			continue
		}
		for _, word := range tokenize(text) {
			for _, term := range terms {
				if strings.HasPrefix(word, term) {
					return true
				}
			}
		}
	}
	return false
}

func reverse(d storage.Direction) storage.Direction {
	switch d {
	case storage.Outgoing:
		return storage.Incoming
	case storage.Incoming:
		return storage.Outgoing
	}
	return d
}
