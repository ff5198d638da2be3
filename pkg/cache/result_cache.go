// Package cache keeps search and list results between transactions and
// drops them when a commit touches what they depend on.
//
// Features:
//   - LRU eviction for bounded memory
//   - TTL expiration
//   - invalidation by type name or synchronization key through
//     graph.CommitListener
//
// Usage:
//
//	rc := cache.NewResultCache(1000, 5*time.Minute)
//	db.AddListener(rc)
//
//	key := cache.NewKey("list", "Person", "page=2")
//	if ids, ok := rc.Get(key); ok {
//		return ids.([]storage.NodeID)
//	}
//	ids := compute()
//	rc.Put(key, ids, "Person")
package cache

import (
	"container/list"
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/metrics"
)

// Key identifies a cached result.
type Key [32]byte

// NewKey hashes parts into a key. Parts are length-delimited, so ("ab", "c")
// and ("a", "bc") differ.
func NewKey(parts ...string) Key {
	h := blake3.New(32, nil)
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:8]) }

// ResultCache is a thread-safe LRU cache whose entries name the types and
// synchronization keys they were computed from.
type ResultCache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[Key]*list.Element

	hits          uint64
	misses        uint64
	invalidations uint64
}

type entry struct {
	key       Key
	value     any
	deps      []string
	expiresAt time.Time
}

var _ graph.CommitListener = (*ResultCache)(nil)

// NewResultCache returns a cache of at most maxSize entries. A ttl of zero
// disables expiration. maxSize of zero or less means 1000.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResultCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[Key]*list.Element, maxSize),
	}
}

// Get returns a live entry and marks it recently used.
func (c *ResultCache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !c.enabled || !ok {
		c.miss()
		return nil, false
	}
	e := elem.Value.(*entry)
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.removeElement(elem)
		c.miss()
		return nil, false
	}
	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.value, true
}

func (c *ResultCache) miss() {
	atomic.AddUint64(&c.misses, 1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
}

// Put stores value under key. deps are the type names and synchronization
// keys the value depends on; an entry without deps is dropped by every
// commit.
func (c *ResultCache) Put(key Key, value any, deps ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value, e.deps, e.expiresAt = value, deps, expires
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry{key: key, value: value, deps: deps, expiresAt: expires})
}

// Remove drops one entry.
func (c *ResultCache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[Key]*list.Element, c.maxSize)
}

// Len returns the number of entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// SetEnabled turns the cache on or off. Disabling clears it.
func (c *ResultCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.list.Init()
		c.items = make(map[Key]*list.Element, c.maxSize)
	}
}

// Committed drops the entries depending on a type or synchronization key
// the change set touched.
func (c *ResultCache) Committed(_ context.Context, cs *graph.ChangeSet) error {
	touched := make(map[string]bool, len(cs.SyncKeys)+len(cs.Changes))
	for _, k := range cs.SyncKeys {
		touched[k] = true
	}
	for _, t := range cs.Types() {
		touched[t] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for elem := c.list.Front(); elem != nil; {
		next := elem.Next()
		if affected(elem.Value.(*entry).deps, touched) {
			c.removeElement(elem)
			dropped++
		}
		elem = next
	}
	atomic.AddUint64(&c.invalidations, uint64(dropped))
	metrics.CacheInvalidations.Add(float64(dropped))
	return nil
}

func affected(deps []string, touched map[string]bool) bool {
	if len(deps) == 0 {
		return true
	}
	for _, d := range deps {
		if touched[d] {
			return true
		}
	}
	return false
}

// Stats holds cache statistics.
type Stats struct {
	Size          int
	MaxSize       int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	HitRate       float64 // percent
}

// Stats returns current statistics.
func (c *ResultCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:          c.Len(),
		MaxSize:       c.maxSize,
		Hits:          hits,
		Misses:        misses,
		Invalidations: atomic.LoadUint64(&c.invalidations),
		HitRate:       rate,
	}
}

// removeElement expects c.mu held.
func (c *ResultCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
