package prom

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
	"github.com/ryandielhenn/zephyrkeeper/pkg/lru"
)

// value returns the counter or gauge value of the series name{labels}.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestCacheAdapterWithCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheAdapter(reg, "zk", "cache", prometheus.Labels{"node": "n1"})

	c, err := lru.New[string, int](2, lru.WithMetrics[string, int](m))
	require.NoError(t, err)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts a
	_, _ = c.Get("a")
	_, _ = c.Get("b")
	c.Clear()

	assert.Equal(t, 1.0, value(t, reg, "zk_cache_hits_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "zk_cache_misses_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "zk_cache_evictions_total", map[string]string{"reason": "capacity"}))
	assert.Equal(t, 2.0, value(t, reg, "zk_cache_evictions_total", map[string]string{"reason": "cleared"}))
	assert.Equal(t, 0.0, value(t, reg, "zk_cache_size_entries", map[string]string{"node": "n1"}))
}

func TestCoordAdapterWithClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCoordAdapter(reg, "zk", "coord", nil)

	c := coord.NewClient(coord.WithMetrics(m))
	_, err := c.Create("/a", nil)
	require.ErrorIs(t, err, coord.ErrConnectionClosed)

	require.NoError(t, c.Start())
	defer c.Stop()
	_, err = c.Create("/a", nil)
	require.NoError(t, err)
	_, _, err = c.Get("/a", func(coord.Event) { panic("boom") })
	require.NoError(t, err)
	_, err = c.Set("/a", nil, 5)
	require.ErrorIs(t, err, coord.ErrBadVersion)
	_, err = c.Set("/a", nil, coord.AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	op := func(name, res string) float64 {
		return value(t, reg, "zk_coord_operations_total", map[string]string{"op": name, "result": res})
	}
	assert.Equal(t, 1.0, op("create", "connection_closed"))
	assert.Equal(t, 1.0, op("create", "ok"))
	assert.Equal(t, 1.0, op("set", "bad_version"))
	assert.Equal(t, 1.0, op("set", "ok"))
	assert.Equal(t, 1.0, value(t, reg, "zk_coord_watches_fired_total", map[string]string{"event": "changed"}))
	assert.Equal(t, 1.0, value(t, reg, "zk_coord_callback_panics_total", nil))
}

func TestResultLabels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{coord.ErrNoNode, "no_node"},
		{fmt.Errorf("x: %w", coord.ErrNoParent), "no_parent"},
		{coord.ErrSessionExpired, "session_expired"},
		{fmt.Errorf("dial tcp: refused"), "error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, result(tc.err), "%v", tc.err)
	}
}
