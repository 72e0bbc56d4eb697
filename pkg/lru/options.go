package lru

import (
	"time"

	"github.com/ryandielhenn/zephyrkeeper/internal/clock"
)

// EvictReason explains why an entry left the cache through eviction.
type EvictReason int

const (
	// EvictCapacity: removed from the front to get back under capacity.
	EvictCapacity EvictReason = iota
	// EvictExpired: TTL elapsed, removed lazily on access.
	EvictExpired
	// EvictCleared: dropped by Clear.
	EvictCleared
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictCleared:
		return "cleared"
	default:
		return "capacity"
	}
}

// Metrics exposes cache-level observability hooks.
// Calls happen under the cache lock; implementations must not block.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
}

// NoopMetrics is the default Metrics implementation.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}
func (NoopMetrics) Size(int)          {}

var _ Metrics = NoopMetrics{}

type options[K comparable, V any] struct {
	onEvict    func(K, V)
	defaultTTL time.Duration
	clock      clock.Clock
	metrics    Metrics
}

// Option configures a Cache.
type Option[K comparable, V any] func(*options[K, V])

// WithOnEvict sets a callback invoked once per evicted entry
// (capacity, expiry and Clear). It runs after the cache lock is released,
// so it may call back into the cache.
func WithOnEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(o *options[K, V]) { o.onEvict = fn }
}

// WithDefaultTTL sets the TTL applied by Put. Zero disables expiry.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(o *options[K, V]) { o.defaultTTL = ttl }
}

// WithClock overrides the time source (tests).
func WithClock[K comparable, V any](c clock.Clock) Option[K, V] {
	return func(o *options[K, V]) { o.clock = c }
}

// WithMetrics plugs an observability backend, e.g. metrics/prom.CacheAdapter.
func WithMetrics[K comparable, V any](m Metrics) Option[K, V] {
	return func(o *options[K, V]) { o.metrics = m }
}
