// Package cache implements the in-process caching layer: a generic TTL map
// primitive and the Set type bundling the license read-through cache, the
// validation skip cache and the settings/banlist slots, plus the janitor
// that sweeps expired entries.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	data   V
	expiry time.Time
}

// TTLCache is a keyed map from string to a value with an expiry. Reads do
// not delete expired entries; the janitor sweep is the only evictor, which
// keeps the read path allocation-free.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
}

// NewTTL creates an empty TTL cache.
func NewTTL[V any]() *TTLCache[V] {
	return &TTLCache[V]{entries: make(map[string]entry[V])}
}

// Get returns the value for key if it has not expired at now.
func (c *TTLCache[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiry) {
		var zero V
		return zero, false
	}
	return e.data, true
}

// Set stores the value under key, overwriting unconditionally.
func (c *TTLCache[V]) Set(key string, data V, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{data: data, expiry: expiry}
}

// Delete removes a single key.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// the number removed.
func (c *TTLCache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Sweep deletes every entry whose expiry has passed and returns the number
// removed.
func (c *TTLCache[V]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
