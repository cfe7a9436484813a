package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPreparedStatementCapacity is the default per-connection prepared
// statement LRU size.
const DefaultPreparedStatementCapacity = 128

type preparedEntry struct {
	name  string
	sql   string
	arity int
}

// PreparedCache is a per-connection, single-owner LRU of named prepared
// statements keyed by a canonical SQL fingerprint. It is never shared
// across Workers and therefore is not internally synchronized — callers
// must only touch it from the Connection's owning goroutine.
//
// Eviction delegates to hashicorp's golang-lru, which already implements
// strict recency-ordered LRU; we only need to supply the deallocation
// hook run on every eviction.
type PreparedCache struct {
	cache    *lru.Cache[string, preparedEntry]
	onEvict  func(name string)
	capacity int
	suppress bool
}

// NewPreparedCache builds a cache bounded at capacity (DefaultPreparedStatementCapacity
// when capacity <= 0). onEvict is invoked with the server-side name being
// evicted so the caller can issue the provider's DEALLOCATE equivalent
// before the slot is reused.
func NewPreparedCache(capacity int, onEvict func(name string)) *PreparedCache {
	if capacity <= 0 {
		capacity = DefaultPreparedStatementCapacity
	}
	pc := &PreparedCache{onEvict: onEvict, capacity: capacity}
	c, err := lru.NewWithEvict[string, preparedEntry](capacity, func(_ string, v preparedEntry) {
		if pc.onEvict != nil && !pc.suppress {
			pc.onEvict(v.name)
		}
	})
	if err != nil {
		// capacity is always > 0 here, so NewWithEvict cannot fail; guard
		// against a future API change rather than silently losing the cache.
		panic("engine: prepared statement cache: " + err.Error())
	}
	pc.cache = c
	return pc
}

// Lookup returns the cached entry for fingerprint, touching LRU recency.
func (p *PreparedCache) Lookup(fingerprint string) (PreparedRef, string, bool) {
	e, ok := p.cache.Get(fingerprint)
	if !ok {
		return PreparedRef{}, "", false
	}
	return PreparedRef{Name: e.name, Arity: e.arity}, e.sql, true
}

// Insert adds a new prepared statement under fingerprint. If the cache is
// at capacity this evicts the least-recently-used entry first (via
// onEvict) before inserting.
func (p *PreparedCache) Insert(fingerprint, name, sql string, arity int) {
	p.cache.Add(fingerprint, preparedEntry{name: name, sql: sql, arity: arity})
}

// Touch records recent use of fingerprint without changing its value.
func (p *PreparedCache) Touch(fingerprint string) {
	p.cache.Get(fingerprint)
}

// Len reports the current number of cached entries.
func (p *PreparedCache) Len() int { return p.cache.Len() }

// Clear drains the cache and returns every server-side name, for batched
// deallocation by the provider at disconnect.
func (p *PreparedCache) Clear() []string {
	names := make([]string, 0, p.cache.Len())
	for _, k := range p.cache.Keys() {
		if e, ok := p.cache.Peek(k); ok {
			names = append(names, e.name)
		}
	}
	p.suppress = true
	p.cache.Purge()
	p.suppress = false
	return names
}
