// Package viewcache holds rendered read views (order lists, order details,
// enrollment and payment views) behind explicit invalidation. The cache is
// never a source of truth: invalidation only marks entries stale and the next
// read reloads from the store.
package viewcache

import (
	"context"
	"sync"
)

// Loader produces the rendered view for a key on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

type entry struct {
	value []byte
	stale bool
}

// Cache is a keyed byte cache with stale marking. Values are copied on the
// way in and out so callers can never mutate a cached entry in place.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the cached value when present and fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.stale {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// GetOrLoad returns the cached value, reloading through the loader when the
// entry is missing or stale. A loader failure leaves the entry untouched.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load Loader) ([]byte, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(key, value)
	return cloneBytes(value), nil
}

// Put stores a fresh rendered value under key.
func (c *Cache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: cloneBytes(value)}
}

// Invalidate marks the given keys stale. Unknown keys are ignored.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			e.stale = true
			c.entries[key] = e
		}
	}
}

// Snapshot captures the exact entry state for a key, including absence and
// staleness, so Restore can put it back verbatim.
func (c *Cache) Snapshot(key string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot{key: key}
	}
	return Snapshot{
		key:     key,
		present: true,
		stale:   e.stale,
		value:   cloneBytes(e.value),
	}
}

// Restore reinstates a previously captured snapshot byte for byte.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !snap.present {
		delete(c.entries, snap.key)
		return
	}
	c.entries[snap.key] = entry{value: cloneBytes(snap.value), stale: snap.stale}
}

// Snapshot is an opaque capture of one cache entry.
type Snapshot struct {
	key     string
	present bool
	stale   bool
	value   []byte
}

// Key reports the cache key the snapshot was taken from.
func (s Snapshot) Key() string { return s.key }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
