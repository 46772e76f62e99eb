// Package ttlcache is a small mutex-guarded map with per-entry expiry.
//
// Callers pass "now" explicitly so expiry follows whatever clock they run on.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// Cache maps K to V until each entry's expiry. MaxEntries > 0 bounds the size;
// when full, the entry closest to expiry is evicted first.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	maxEntries int
}

func New[K comparable, V any](maxEntries int) *Cache[K, V] {
	return &Cache[K, V]{items: map[K]entry[V]{}, maxEntries: maxEntries}
}

// Get returns the live value for k.
func (c *Cache[K, V]) Get(k K, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok || !now.Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores v for ttl.
func (c *Cache[K, V]) Set(k K, v V, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(k, v, now.Add(ttl))
}

// SetIfAbsent stores v unless a live entry exists. The existing value is
// returned with false when the insert was refused.
func (c *Cache[K, V]) SetIfAbsent(k K, v V, now time.Time, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[k]; ok && now.Before(e.expires) {
		return e.val, false
	}
	c.setLocked(k, v, now.Add(ttl))
	return v, true
}

func (c *Cache[K, V]) setLocked(k K, v V, expires time.Time) {
	if _, exists := c.items[k]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.items[k] = entry[V]{val: v, expires: expires}
}

func (c *Cache[K, V]) evictOneLocked() {
	var (
		victim K
		soon   time.Time
		found  bool
	)
	for k, e := range c.items {
		if !found || e.expires.Before(soon) {
			victim, soon, found = k, e.expires, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

// Sweep drops expired entries and reports how many were removed.
func (c *Cache[K, V]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len counts stored entries, expired ones included until the next Sweep.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
