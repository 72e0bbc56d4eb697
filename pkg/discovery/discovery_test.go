package discovery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
)

func newBackend(t *testing.T) *coord.Client {
	t.Helper()
	c := coord.NewClient(coord.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

type peerLog struct {
	mu    sync.Mutex
	views []map[string]string
}

func (l *peerLog) record(m map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views = append(l.views, m)
}

func (l *peerLog) last() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.views) == 0 {
		return nil
	}
	return l.views[len(l.views)-1]
}

func (l *peerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.views)
}

func TestRegisterAndPeers(t *testing.T) {
	b := newBackend(t)

	r1, err := Register(b, "n1", "10.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "/nodes/n1", r1.Path())
	_, err = Register(b, "n2", "10.0.0.2:8080")
	require.NoError(t, err)

	ps, err := Peers(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n1": "10.0.0.1:8080", "n2": "10.0.0.2:8080"}, ps)

	_, err = Register(b, "n1", "10.0.0.9:8080")
	require.NoError(t, err, "re-registering overwrites")
	ps, err = Peers(b)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:8080", ps["n1"])

	require.NoError(t, r1.Deregister())
	require.NoError(t, r1.Deregister(), "deregistering twice is fine")
	ps, err = Peers(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n2": "10.0.0.2:8080"}, ps)

	_, err = Register(b, "", "x")
	assert.Error(t, err)
}

func TestRegisterFailsWithoutSession(t *testing.T) {
	b := coord.NewClient()
	_, err := Register(b, "n1", "addr")
	assert.ErrorIs(t, err, coord.ErrConnectionClosed)
}

func TestPeersWithoutNodesPath(t *testing.T) {
	b := newBackend(t)
	_, err := Peers(b)
	assert.ErrorIs(t, err, coord.ErrNoNode)
}

func TestWatchPeersFollowsMembership(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.EnsurePath(NodesPath))

	var log peerLog
	w, err := WatchPeers(b, zaptest.NewLogger(t), log.record)
	require.NoError(t, err)
	defer w.Stop()
	assert.Empty(t, log.last(), "initial view is delivered synchronously")

	reg, err := Register(b, "n1", "a:1")
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	assert.Equal(t, map[string]string{"n1": "a:1"}, log.last())

	_, err = Register(b, "n2", "b:2")
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	assert.Equal(t, map[string]string{"n1": "a:1", "n2": "b:2"}, log.last(), "watch re-arms after firing")

	require.NoError(t, reg.Deregister())
	require.NoError(t, b.Flush())
	assert.Equal(t, map[string]string{"n2": "b:2"}, log.last())
	assert.Equal(t, 4, log.count())
}

func TestWatcherStop(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.EnsurePath(NodesPath))

	var log peerLog
	w, err := WatchPeers(b, nil, log.record)
	require.NoError(t, err)
	w.Stop()

	_, err = Register(b, "n1", "a:1")
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	assert.Equal(t, 1, log.count())
}
