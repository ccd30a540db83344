// Package cache provides a TTL cache for idempotent upstream results.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"transit-gateway/internal/model"
)

type entry struct {
	result  *model.UpstreamResult
	expires time.Time
}

// maxEntries bounds the cache. Keys include the client-controlled query
// string, so without a cap callers could grow the map without limit.
const maxEntries = 4096

// Cache stores successful upstream results for a bounded time per key.
// Concurrent misses for the same key collapse to a single fill call.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	now func() time.Time // replaceable in tests
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// GetOrFill returns the cached result for key if still fresh. Otherwise it
// invokes fill once across all concurrent callers of the same key, stores a
// successful result for ttl, and returns it. Errors are never cached. The
// returned result is always a private copy; callers may mutate it freely.
// The second return value reports whether the result came from cache.
func (c *Cache) GetOrFill(key string, ttl time.Duration, fill func() (*model.UpstreamResult, error)) (*model.UpstreamResult, bool, error) {
	if res, ok := c.lookup(key); ok {
		return res, true, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while this one
		// waited on the flight group.
		if res, ok := c.lookup(key); ok {
			return res, nil
		}
		res, err := fill()
		if err != nil {
			return nil, err
		}
		c.store(key, res, ttl)
		return res.Clone(), nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(*model.UpstreamResult)
	if shared {
		// Followers of a shared flight get the same pointer; copy so no two
		// requests ever hold the same mutable result.
		res = res.Clone()
	}
	return res, false, nil
}

// Len returns the number of entries currently stored.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// lookup returns a fresh entry's result, deleting the entry when it has
// expired so stale results don't accumulate between fills.
func (c *Cache) lookup(key string) (*model.UpstreamResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent fill may have
		// stored a fresh entry since the read above.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.result.Clone(), true
}

func (c *Cache) store(key string, res *model.UpstreamResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxEntries {
		c.evictLocked()
	}
	c.entries[key] = entry{result: res.Clone(), expires: c.now().Add(ttl)}
}

// evictLocked sweeps expired entries and, when none have expired, drops one
// arbitrary entry so the new one still fits. Callers hold the write lock.
func (c *Cache) evictLocked() {
	now := c.now()
	evicted := false
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			evicted = true
		}
	}
	if !evicted {
		for k := range c.entries {
			delete(c.entries, k)
			return
		}
	}
}
