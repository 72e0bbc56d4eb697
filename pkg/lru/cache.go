// Package lru provides a bounded, thread-safe LRU cache with optional
// per-key TTL and an eviction callback.
//
// The cache composes a key->entry map with a RecencyList. Every public
// method holds the cache's single mutex for its full critical section;
// eviction callbacks are collected under the lock and invoked after it is
// released, so a callback may safely call back into the same cache.
package lru

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrkeeper/internal/clock"
)

// ErrInvalidConfig is returned by New for a non-positive capacity.
var ErrInvalidConfig = errors.New("lru: invalid config")

type entry[V any] struct {
	value    V
	handle   Handle
	expireAt int64 // UnixNano, 0 = no TTL
}

type evicted[K comparable, V any] struct {
	key   K
	value V
}

// Cache is a fixed-capacity LRU cache. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*entry[V]
	ll    *RecencyList[K]
	cap   int

	opt options[K, V]
}

// New builds a cache holding at most capacity entries.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0, got %d", ErrInvalidConfig, capacity)
	}
	o := options[K, V]{clock: clock.System{}, metrics: NoopMetrics{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.defaultTTL < 0 {
		return nil, fmt.Errorf("%w: negative default TTL %s", ErrInvalidConfig, o.defaultTTL)
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}
	if o.metrics == nil {
		o.metrics = NoopMetrics{}
	}
	hint := capacity
	if hint > 1024 {
		hint = 1024
	}
	return &Cache[K, V]{
		items: make(map[K]*entry[V], hint),
		ll:    NewRecencyList[K](hint),
		cap:   capacity,
		opt:   o,
	}, nil
}

// Get returns the value for key and promotes it to most recently used.
// An expired entry is evicted and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	e, ok := c.items[key]
	if !ok {
		c.opt.metrics.Miss()
		c.mu.Unlock()
		return zero, false
	}
	if c.expiredLocked(e) {
		gone := []evicted[K, V]{c.evictLocked(key, e, EvictExpired)}
		c.opt.metrics.Miss()
		c.opt.metrics.Size(len(c.items))
		c.mu.Unlock()
		c.notify(gone)
		return zero, false
	}
	c.ll.MoveToBack(e.handle)
	c.opt.metrics.Hit()
	v := e.value
	c.mu.Unlock()
	return v, true
}

// Peek returns the value for key without touching recency.
// Expired entries read as misses but are left for Get or capacity eviction.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put inserts or overwrites key using the default TTL.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutWithTTL(key, value, c.opt.defaultTTL)
}

// PutWithTTL inserts or overwrites key with a per-key TTL.
// A non-positive ttl disables expiry for this entry; a ttl reaching past
// the end of the clock's range saturates instead of wrapping.
func (c *Cache[K, V]) PutWithTTL(key K, value V, ttl time.Duration) {
	var exp int64
	if ttl > 0 {
		now := c.opt.clock.NowUnixNano()
		exp = math.MaxInt64
		if int64(ttl) < math.MaxInt64-now {
			exp = now + int64(ttl)
		}
	}

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expireAt = exp
		c.ll.MoveToBack(e.handle)
	} else {
		c.items[key] = &entry[V]{value: value, handle: c.ll.Append(key), expireAt: exp}
	}

	var gone []evicted[K, V]
	for len(c.items) > c.cap {
		k, err := c.ll.PopFront()
		if err != nil {
			// map and list disagree; nothing sane left to evict
			panic(fmt.Sprintf("lru: %v with %d items mapped", err, len(c.items)))
		}
		e := c.items[k]
		delete(c.items, k)
		c.opt.metrics.Evict(EvictCapacity)
		gone = append(gone, evicted[K, V]{key: k, value: e.value})
	}
	c.opt.metrics.Size(len(c.items))
	c.mu.Unlock()

	c.notify(gone)
}

// Remove deletes key if present. It does not invoke the eviction callback.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.ll.Unlink(e.handle)
	delete(c.items, key)
	c.opt.metrics.Size(len(c.items))
	return true
}

// Clear drops every entry, invoking the eviction callback oldest-first.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	keys := c.ll.Keys()
	gone := make([]evicted[K, V], 0, len(keys))
	for _, k := range keys {
		gone = append(gone, evicted[K, V]{key: k, value: c.items[k].value})
		c.opt.metrics.Evict(EvictCleared)
	}
	c.ll.Reset()
	clear(c.items)
	c.opt.metrics.Size(0)
	c.mu.Unlock()

	c.notify(gone)
}

// Len returns the number of resident entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the configured entry limit.
func (c *Cache[K, V]) Capacity() int { return c.cap }

// Keys returns resident keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Keys()
}

// -------------------- internals (mu held) --------------------

func (c *Cache[K, V]) expiredLocked(e *entry[V]) bool {
	return e.expireAt != 0 && c.opt.clock.NowUnixNano() >= e.expireAt
}

func (c *Cache[K, V]) evictLocked(key K, e *entry[V], reason EvictReason) evicted[K, V] {
	c.ll.Unlink(e.handle)
	delete(c.items, key)
	c.opt.metrics.Evict(reason)
	return evicted[K, V]{key: key, value: e.value}
}

// notify runs the eviction callback for each entry. Must be called without mu.
func (c *Cache[K, V]) notify(gone []evicted[K, V]) {
	if c.opt.onEvict == nil {
		return
	}
	for _, ev := range gone {
		c.opt.onEvict(ev.key, ev.value)
	}
}

// checkInvariants reports a mismatch between the map and the recency list.
func (c *Cache[K, V]) checkInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ll.Len() != len(c.items) {
		return fmt.Errorf("list len %d != map len %d", c.ll.Len(), len(c.items))
	}
	for _, k := range c.ll.Keys() {
		if _, ok := c.items[k]; !ok {
			return fmt.Errorf("key %v linked but not mapped", k)
		}
	}
	if len(c.items) > c.cap {
		return fmt.Errorf("len %d exceeds capacity %d", len(c.items), c.cap)
	}
	return nil
}
