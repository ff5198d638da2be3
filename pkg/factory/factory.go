// Package factory turns raw node ids from the store or an index into typed,
// security-filtered and paginated results.
//
// Three paging modes exist:
//   - standard: 1-based pages counted over the filtered stream; the total
//     counts every record that passed the filters
//   - negative page: pages counted from the end of the raw result, which
//     has to be read completely first
//   - offset by id: the page is anchored at the entity with a given uuid
//     instead of a page number
//
// Example:
//
//	f := factory.Nodes(tx, factory.Profile{PageSize: 20, Page: 2}, "Person")
//	res, err := f.InstantiateHits(factory.IDs(ids))
package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// ErrUnknownType is returned for records whose type is not in the schema.
var ErrUnknownType = errors.New("unknown node type")

// PageSizeAll disables paging.
const PageSizeAll = math.MaxInt

// OffsetIDKey is the key reported when an offset anchor does not resolve.
const OffsetIDKey = "offsetId"

// Profile configures instantiation and paging.
type Profile struct {
	// SecurityContext decides visibility. Nil means anonymous.
	SecurityContext *graph.SecurityContext

	IncludeDeletedAndHidden bool
	PublicOnly              bool

	// PageSize of zero or less means PageSizeAll.
	PageSize int
	// Page is 1-based. Negative pages count from the end. Zero means 1.
	Page int
	// OffsetID anchors the page at an entity uuid.
	OffsetID string

	// PropertyView is attached to results for serialization.
	PropertyView string
}

// DefaultProfile returns an unpaged profile that includes deleted and
// hidden nodes.
func DefaultProfile(sc *graph.SecurityContext) Profile {
	return Profile{
		SecurityContext:         sc,
		IncludeDeletedAndHidden: true,
		PageSize:                PageSizeAll,
		Page:                    1,
		PropertyView:            graph.ViewPublic,
	}
}

func (p Profile) pageSize() int {
	if p.PageSize <= 0 {
		return PageSizeAll
	}
	return p.PageSize
}

func (p Profile) page() int {
	if p.Page == 0 {
		return 1
	}
	return p.Page
}

// Hits is an ordered iterable of raw node ids with a known size.
type Hits interface {
	Size() int
	// Each calls fn for every id in order until fn returns false.
	Each(fn func(storage.NodeID) bool) error
}

// IDs is a Hits over a slice.
type IDs []storage.NodeID

func (ids IDs) Size() int { return len(ids) }

func (ids IDs) Each(fn func(storage.NodeID) bool) error {
	for _, id := range ids {
		if !fn(id) {
			break
		}
	}
	return nil
}

// Result is an ordered, typed result set.
type Result[T any] struct {
	Items []T
	// Total is the size the page was cut from: the filtered count for
	// standard and offset paging, the raw count for negative pages.
	Total int

	IsCollection     bool
	IsPrimitiveArray bool
	PropertyView     string
}

// Len returns the number of items on the page.
func (r *Result[T]) Len() int { return len(r.Items) }

// Factory instantiates nodes as T.
type Factory[T any] struct {
	tx       *graph.Tx
	profile  Profile
	typeName string
	convert  func(*graph.Node) (T, error)
	log      *slog.Logger
}

// New returns a factory producing T through convert. A non-empty typeName
// filters out nodes not of that type or one of its subtypes.
func New[T any](tx *graph.Tx, profile Profile, typeName string, convert func(*graph.Node) (T, error)) *Factory[T] {
	return &Factory[T]{
		tx:       tx,
		profile:  profile,
		typeName: typeName,
		convert:  convert,
		log:      tx.Logger().With(logger.Scope("factory")),
	}
}

// Nodes returns a factory producing the nodes themselves.
func Nodes(tx *graph.Tx, profile Profile, typeName string) *Factory[*graph.Node] {
	return New(tx, profile, typeName, func(n *graph.Node) (*graph.Node, error) { return n, nil })
}

// Profile returns the factory profile.
func (f *Factory[T]) Profile() Profile { return f.profile }

// entry keeps the uuid next to the converted object for offset paging.
type entry[T any] struct {
	uuid string
	obj  T
}

// Instantiate converts one id. The boolean is false when the record was
// filtered out: it no longer exists, has another type, or is not readable.
// Unknown types are an error.
func (f *Factory[T]) Instantiate(id storage.NodeID) (T, bool, error) {
	var zero T
	e, ok, err := f.instantiate(id)
	if err != nil || !ok {
		return zero, false, err
	}
	return e.obj, true, nil
}

func (f *Factory[T]) instantiate(id storage.NodeID) (entry[T], bool, error) {
	var e entry[T]
	n, err := f.tx.NodeByID(id)
	if errors.Is(err, storage.ErrNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if !f.tx.Registry().HasType(n.Type()) {
		return e, false, fmt.Errorf("%w: %q on node %d", ErrUnknownType, n.Type(), id)
	}
	if f.typeName != "" && !n.IsA(f.typeName) {
		return e, false, nil
	}
	sc := f.profile.SecurityContext
	if sc == nil {
		sc = graph.AnonymousContext()
	}
	if !sc.IsReadable(n, f.profile.IncludeDeletedAndHidden, f.profile.PublicOnly) {
		return e, false, nil
	}
	obj, err := f.convert(n)
	if err != nil {
		return e, false, fmt.Errorf("instantiate node %d: %w", id, err)
	}
	return entry[T]{uuid: n.UUID(), obj: obj}, true, nil
}

// InstantiateAll converts every id without paging.
func (f *Factory[T]) InstantiateAll(ids []storage.NodeID) (*Result[T], error) {
	entries, err := f.all(IDs(ids))
	if err != nil {
		return nil, err
	}
	return f.result(entries, len(entries)), nil
}

// InstantiateHits converts hits and applies the profile's paging.
func (f *Factory[T]) InstantiateHits(hits Hits) (*Result[T], error) {
	switch {
	case f.profile.OffsetID != "":
		return f.offsetPage(hits)
	case f.profile.page() < 0:
		return f.pageFromEnd(hits)
	default:
		return f.page(hits)
	}
}

func (f *Factory[T]) all(hits Hits) ([]entry[T], error) {
	entries := make([]entry[T], 0, hits.Size())
	var stop error
	err := hits.Each(func(id storage.NodeID) bool {
		e, ok, err := f.instantiate(id)
		if err != nil {
			stop = err
			return false
		}
		if ok {
			entries = append(entries, e)
		}
		return true
	})
	if err == nil {
		err = stop
	}
	return entries, err
}

// page streams hits and keeps the requested slice while counting every
// record that passed the filters.
func (f *Factory[T]) page(hits Hits) (*Result[T], error) {
	pageSize, page := f.profile.pageSize(), f.profile.page()
	from := 0
	if pageSize != PageSizeAll {
		from = (page - 1) * pageSize
	}
	to := from + pageSize
	if to < from {
		to = PageSizeAll
	}

	var entries []entry[T]
	count := 0
	var stop error
	err := hits.Each(func(id storage.NodeID) bool {
		e, ok, err := f.instantiate(id)
		if err != nil {
			stop = err
			return false
		}
		if !ok {
			return true
		}
		if count >= from && count < to {
			entries = append(entries, e)
		}
		count++
		return true
	})
	if err == nil {
		err = stop
	}
	if err != nil {
		return nil, err
	}
	return f.result(entries, count), nil
}

// pageFromEnd reads the raw result, cuts the page counted from its end and
// instantiates only that slice. Filtered records leave gaps in the page.
func (f *Factory[T]) pageFromEnd(hits Hits) (*Result[T], error) {
	raw := make([]storage.NodeID, 0, hits.Size())
	if err := hits.Each(func(id storage.NodeID) bool {
		raw = append(raw, id)
		return true
	}); err != nil {
		return nil, err
	}
	size := len(raw)
	pageSize, page := f.profile.pageSize(), f.profile.page()

	from := 0
	if pageSize != PageSizeAll {
		from = max(0, size+page*pageSize)
	}
	to := size
	if pageSize != PageSizeAll {
		to = min(size, from+pageSize)
	}
	f.log.Debug("page from end", slog.Int("page", page), slog.Int("size", size), slog.Int("from", from), slog.Int("to", to))

	var entries []entry[T]
	if from < to {
		var err error
		if entries, err = f.all(IDs(raw[from:to])); err != nil {
			return nil, err
		}
	}
	return f.result(entries, size), nil
}

// offsetPage instantiates everything, finds the anchor and cuts the page
// relative to it. A positive page starts at the anchor; a negative page
// counts pages back from it.
func (f *Factory[T]) offsetPage(hits Hits) (*Result[T], error) {
	entries, err := f.all(hits)
	if err != nil {
		return nil, err
	}
	anchor := -1
	for i, e := range entries {
		if e.uuid == f.profile.OffsetID {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, validation.NewNotFoundError(f.typeName, validation.IDNotFoundToken(OffsetIDKey, f.profile.OffsetID))
	}

	size := len(entries)
	pageSize, page := min(size, f.profile.pageSize()), f.profile.page()
	offset := anchor
	if page < 0 {
		offset = anchor + page*pageSize
	}
	f.log.Debug("offset page", slog.String("offsetId", f.profile.OffsetID), slog.Int("anchor", anchor), slog.Int("offset", offset))

	if offset < 0 {
		return f.result(entries[:anchor], size), nil
	}
	return f.result(entries[offset:min(size, offset+pageSize)], size), nil
}

func (f *Factory[T]) result(entries []entry[T], total int) *Result[T] {
	items := make([]T, len(entries))
	for i, e := range entries {
		items[i] = e.obj
	}
	return &Result[T]{
		Items:        items,
		Total:        total,
		IsCollection: true,
		PropertyView: f.profile.PropertyView,
	}
}
