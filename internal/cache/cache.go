// Package cache provides a small TTL read-through cache used to avoid
// redundant upstream lookups (daily/weekly rotation, level list).
package cache

import (
	"context"
	"sync"
	"time"
)

// ErrorPolicy controls what ReadThrough does when the supplier fails.
type ErrorPolicy int

const (
	// Propagate re-raises the supplier error to the caller.
	Propagate ErrorPolicy = iota
	// Suppress swallows the supplier error and reports a miss.
	Suppress
)

type entry[V any] struct {
	val    V
	expiry time.Time
}

// Cache is a mutex-guarded key→value store with per-entry expiry.
//
// A read that observes an expired entry deletes it and reports a miss.
// Expired entries are additionally pruned opportunistically on writes, so the
// map stays bounded even for keys nobody reads again.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]

	// now is swappable for tests.
	now func() time.Time

	opCount    uint64
	pruneEvery uint64
}

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries:    map[K]entry[V]{},
		now:        time.Now,
		pruneEvery: 64,
	}
}

// Write stores value with expiry now+ttl, overwriting any previous entry.
// A non-positive ttl removes the key (same as Delete).
func (c *Cache[K, V]) Write(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry[V]{val: value, expiry: c.now().Add(ttl)}
	c.opCount++
	if c.opCount%c.pruneEvery == 0 {
		c.pruneLocked()
	}
}

// Delete removes the key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Read returns the value if present and unexpired. An expired entry is
// removed and reported as a miss.
func (c *Cache[K, V]) Read(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiry) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Len reports the number of live (possibly expired-but-unpruned) entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ReadThrough returns the cached value for key, or invokes supplier on a miss.
//
// A successful supplier result with ok=true is stored under ttl and returned.
// An absent result (ok=false) is returned as a miss and NOT cached, so a
// negative result is never pinned. A supplier error is propagated or
// suppressed per policy and never cached either way.
//
// A miss is not one atomic operation: two concurrent callers with the same
// missing key can both invoke supplier. That stampede is documented and
// accepted; suppliers must be safe to call concurrently.
func (c *Cache[K, V]) ReadThrough(ctx context.Context, key K, ttl time.Duration, policy ErrorPolicy, supplier func(ctx context.Context) (V, bool, error)) (V, bool, error) {
	if v, ok := c.Read(key); ok {
		return v, true, nil
	}

	v, ok, err := supplier(ctx)
	if err != nil {
		var zero V
		if policy == Suppress {
			return zero, false, nil
		}
		return zero, false, err
	}
	if !ok {
		var zero V
		return zero, false, nil
	}
	c.Write(key, v, ttl)
	return v, true, nil
}

// pruneLocked drops expired entries. Call with c.mu held.
func (c *Cache[K, V]) pruneLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, k)
		}
	}
}
