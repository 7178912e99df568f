// Package cache provides a generic in-memory TTL cache.
//
// TTLCache holds entries that expire a fixed time after they were written.
// The broker uses it for per-user TURN credentials: a user who fetches ICE
// servers several times during one visit gets the same username and
// credential back until the entry expires, instead of a fresh pair per
// request.
//
// Expiry:
// Each entry carries its own deadline. Get treats an entry at or past its
// deadline as missing, so a reader never sees stale data. Removing the entry
// from the map is a separate step done by a background ticker, which keeps
// Get on the read lock.
//
// Time:
// The cache reads time through a clock.Clock, so tests drive expiry with a
// clock.Mock instead of sleeping.
//
// Thread safety:
// A sync.RWMutex guards the map. Readers run in parallel and a writer
// blocks everyone for the duration of the write.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// entry is one stored value and the moment it stops being readable.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe map whose entries expire after a fixed ttl.
//
//	c := cache.New[string, Creds](clock.New(), 30*time.Minute, 5*time.Minute)
//	c.Set("user-1", creds)
//	creds, ok := c.Get("user-1")
type TTLCache[K comparable, V any] struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration

	// stopCleanup ends the eviction goroutine. Close closes it once.
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New creates a cache and starts its eviction loop.
//
// ttl is the lifetime of every entry. cleanupInterval is how often expired
// entries are dropped from the map; it should be shorter than ttl, otherwise
// the map keeps dead entries around for longer than they were alive.
func New[K comparable, V any](clk clock.Clock, ttl, cleanupInterval time.Duration) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		clock:       clk,
		entries:     make(map[K]entry[V]),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go func() {
		ticker := clk.Ticker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stopCleanup:
				return
			}
		}
	}()

	return c
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache ttl.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// GetOrSet returns the cached value for key, or computes, stores, and returns
// a fresh one. fn runs under the write lock, so it must not touch the cache.
func (c *TTLCache[K, V]) GetOrSet(key K, fn func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return e.value
	}
	v := fn()
	c.entries[key] = entry[V]{value: v, expiresAt: now.Add(c.ttl)}
	return v
}

// Len counts stored entries, expired ones included until evicted.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Close stops the eviction loop. Safe to call more than once.
func (c *TTLCache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
}

func (c *TTLCache[K, V]) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
