// Package prom exports lru and coord observability hooks to Prometheus.
package prom

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
	"github.com/ryandielhenn/zephyrkeeper/pkg/lru"
)

// CacheAdapter implements lru.Metrics. Safe for concurrent use; all
// Prometheus metric types are goroutine-safe.
type CacheAdapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	evicts  *prometheus.CounterVec
	entries prometheus.Gauge
}

// NewCacheAdapter registers the cache metrics with reg
// (nil => prometheus.DefaultRegisterer) under namespace ns and subsystem sub.
func NewCacheAdapter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CacheAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &CacheAdapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.entries)
	return a
}

func (a *CacheAdapter) Hit()  { a.hits.Inc() }
func (a *CacheAdapter) Miss() { a.misses.Inc() }

// Evict counts an eviction under its reason label ("capacity", "expired",
// "cleared").
func (a *CacheAdapter) Evict(r lru.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

func (a *CacheAdapter) Size(n int) { a.entries.Set(float64(n)) }

var _ lru.Metrics = (*CacheAdapter)(nil)

// CoordAdapter implements coord.Metrics.
type CoordAdapter struct {
	ops    *prometheus.CounterVec
	fired  *prometheus.CounterVec
	panics prometheus.Counter
}

// NewCoordAdapter registers the coordination client metrics with reg
// (nil => prometheus.DefaultRegisterer).
func NewCoordAdapter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CoordAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &CoordAdapter{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "operations_total",
				Help:        "Coordination client operations by outcome",
				ConstLabels: constLabels,
			},
			[]string{"op", "result"},
		),
		fired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "watches_fired_total",
				Help:        "Watches handed to the callback dispatcher",
				ConstLabels: constLabels,
			},
			[]string{"event"},
		),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "callback_panics_total",
			Help:        "Watch or listener callbacks that panicked",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.ops, a.fired, a.panics)
	return a
}

// Op counts an operation under a result label derived from its error.
func (a *CoordAdapter) Op(op string, err error) {
	a.ops.WithLabelValues(op, result(err)).Inc()
}

func (a *CoordAdapter) WatchFired(t coord.EventType) {
	a.fired.WithLabelValues(t.String()).Inc()
}

func (a *CoordAdapter) CallbackPanicked() { a.panics.Inc() }

// result maps an operation error to a small, stable label set.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, coord.ErrNoNode):
		return "no_node"
	case errors.Is(err, coord.ErrNodeExists):
		return "node_exists"
	case errors.Is(err, coord.ErrNoParent):
		return "no_parent"
	case errors.Is(err, coord.ErrBadVersion):
		return "bad_version"
	case errors.Is(err, coord.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, coord.ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, coord.ErrSessionExpired):
		return "session_expired"
	default:
		return "error"
	}
}

var _ coord.Metrics = (*CoordAdapter)(nil)
