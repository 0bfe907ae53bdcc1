// Package cache implements the edge server's in-memory content caches
// (file bytes, per-file metadata, rewritten HTML), the domain-lookup
// caches, and the process-wide "being-cached" barrier. Caches use a
// byte-budget LRU eviction policy; domain lookups use a 5-minute TTL with
// a periodic sweeper.
package cache

import (
	"container/list"
	"sync"
)

// ContentKey identifies a cached file/metadata entry.
type ContentKey struct {
	UserID   string
	SiteName string
	Path     string
}

// RewriteKey identifies a cached rewritten-HTML entry, which additionally
// depends on the base path it was rewritten for.
type RewriteKey struct {
	ContentKey
	Base string
}

type entry[K comparable] struct {
	key   K
	value []byte
	size  int
	elem  *list.Element
}

// ByteLRU is an approximate-LRU cache bounded by total byte size rather
// than entry count, matching spec.md §4.G's "total-size target
// configurable" byte-budget policy.
type ByteLRU[K comparable] struct {
	mu        sync.Mutex
	maxBytes  int
	curBytes  int
	order     *list.List
	items     map[K]*entry[K]
	hits      int64
	misses    int64
}

// NewByteLRU creates a cache with the given byte budget.
func NewByteLRU[K comparable](maxBytes int) *ByteLRU[K] {
	return &ByteLRU[K]{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[K]*entry[K]),
	}
}

// Get returns the cached value for key, if present, bumping its recency.
func (c *ByteLRU[K]) Get(key K) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Put inserts or replaces the cached value for key, evicting the least
// recently used entries until the cache fits within its byte budget.
func (c *ByteLRU[K]) Put(key K, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok {
		c.curBytes -= existing.size
		c.order.Remove(existing.elem)
		delete(c.items, key)
	}
	e := &entry[K]{key: key, value: value, size: len(value)}
	e.elem = c.order.PushFront(e)
	c.items[key] = e
	c.curBytes += e.size

	for c.curBytes > c.maxBytes && c.order.Len() > 0 {
		back := c.order.Back()
		victim := back.Value.(*entry[K])
		c.order.Remove(back)
		delete(c.items, victim.key)
		c.curBytes -= victim.size
	}
}

// Delete removes key if present.
func (c *ByteLRU[K]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.order.Remove(e.elem)
		delete(c.items, key)
		c.curBytes -= e.size
	}
}

// DeletePrefix removes every key for which match returns true — used to
// invalidate every cached entry for a site on re-ingestion.
func (c *ByteLRU[K]) DeletePrefix(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if match(k) {
			c.order.Remove(e.elem)
			delete(c.items, k)
			c.curBytes -= e.size
		}
	}
}

// Stats reports the cache's current entry count, approximate byte usage,
// and hit ratio, for the Admin Surface's /__internal__/observability/cache
// endpoint.
type Stats struct {
	Entries  int
	Bytes    int
	Hits     int64
	Misses   int64
	HitRatio float64
}

func (c *ByteLRU[K]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: c.order.Len(), Bytes: c.curBytes, Hits: c.hits, Misses: c.misses}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// Caches groups the three content caches named in spec.md §4.G.
type Caches struct {
	Files     *ByteLRU[ContentKey]
	Meta      *ByteLRU[ContentKey]
	Rewritten *ByteLRU[RewriteKey]
}

// NewCaches constructs the three content caches with the given per-cache
// byte budgets.
func NewCaches(filesBudget, metaBudget, rewrittenBudget int) *Caches {
	return &Caches{
		Files:     NewByteLRU[ContentKey](filesBudget),
		Meta:      NewByteLRU[ContentKey](metaBudget),
		Rewritten: NewByteLRU[RewriteKey](rewrittenBudget),
	}
}

// InvalidateSite drops every cached entry for (userID, siteName) across
// all three content caches, called on every successful re-ingestion.
func (c *Caches) InvalidateSite(userID, siteName string) {
	match := func(k ContentKey) bool { return k.UserID == userID && k.SiteName == siteName }
	c.Files.DeletePrefix(match)
	c.Meta.DeletePrefix(match)
	c.Rewritten.DeletePrefix(func(k RewriteKey) bool { return match(k.ContentKey) })
}
