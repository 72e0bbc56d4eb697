package coord

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkeeper/internal/clock"
)

// eventLog collects events from callbacks; it is only read after Flush.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) watch(tag string) WatchFunc {
	return func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, fmt.Sprintf("%s %s %s", tag, ev.Type, ev.Path))
	}
}

func (l *eventLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

func startedClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	c := NewClient(append([]ClientOption{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestClientOperationsRequireSession(t *testing.T) {
	c := NewClient()

	_, err := c.Create("/a", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, _, err = c.Get("/a", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.Set("/a", nil, AnyVersion)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.Delete("/a", false), ErrConnectionClosed)
	_, err = c.Children("/", true, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.Exists("/a", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.Sync("/"), ErrConnectionClosed)
	assert.ErrorIs(t, c.Flush(), ErrConnectionClosed)
	assert.ErrorIs(t, c.EnsurePath("/a/b"), ErrConnectionClosed)
	assert.Equal(t, StateStopped, c.State())
}

func TestClientCRUD(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(42_000))
	c := startedClient(t, WithClock(clk))

	p, err := c.Create("/a/", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, "/a", p)

	data, st, err := c.Get("/a", nil)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, int64(42_000), st.CreatedOn)

	st, err = c.Set("/a", []byte("two"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	_, err = c.Set("/a", []byte("three"), 0)
	assert.ErrorIs(t, err, ErrBadVersion)

	ex, err := c.Exists("/a", nil)
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, int64(1), ex.Version)

	ex, err = c.Exists("/missing", nil)
	require.NoError(t, err)
	assert.Nil(t, ex)

	_, err = c.Create("/x/y", nil)
	assert.ErrorIs(t, err, ErrNoParent)
	_, err = c.Create("/", nil)
	assert.ErrorIs(t, err, ErrNodeExists)
	_, err = c.Create("relative", nil)
	assert.ErrorIs(t, err, ErrInvalidPath)

	require.NoError(t, c.Sync("/a"))
	require.NoError(t, c.Delete("/a", false))
	_, _, err = c.Get("/a", nil)
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestClientEnsurePath(t *testing.T) {
	c := startedClient(t)
	var log eventLog
	_, err := c.Children("/", true, log.watch("root"))
	require.NoError(t, err)

	require.NoError(t, c.EnsurePath("/a/b/c"))
	require.NoError(t, c.EnsurePath("/a/b/c"), "existing path is not an error")
	require.NoError(t, c.Flush())

	all, err := c.Children("/", false, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a/b/c"}, all)
	assert.Equal(t, []string{"root child /"}, log.take())
}

func TestClientRecursiveDelete(t *testing.T) {
	c := startedClient(t)
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		_, err := c.Create(p, nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.Delete("/a", true))
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		_, _, err := c.Get(p, nil)
		assert.ErrorIs(t, err, ErrNoNode, p)
	}
	assert.ErrorIs(t, c.Delete("/a", true), ErrNoNode)
}

// A watch fires once; a second Set needs a fresh registration.
func TestClientWatchFiresExactlyOnce(t *testing.T) {
	c := startedClient(t)
	var log eventLog
	_, err := c.Create("/a", nil)
	require.NoError(t, err)

	_, _, err = c.Get("/a", log.watch("w1"))
	require.NoError(t, err)

	_, err = c.Set("/a", []byte("1"), AnyVersion)
	require.NoError(t, err)
	_, err = c.Set("/a", []byte("2"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	assert.Equal(t, []string{"w1 changed /a"}, log.take())

	_, _, err = c.Get("/a", log.watch("w2"))
	require.NoError(t, err)
	_, err = c.Set("/a", []byte("3"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	assert.Equal(t, []string{"w2 changed /a"}, log.take())
}

func TestClientEventOrdering(t *testing.T) {
	c := startedClient(t)
	var log eventLog

	_, err := c.Create("/p", nil)
	require.NoError(t, err)
	_, err = c.Children("/p", true, log.watch("parent"))
	require.NoError(t, err)

	_, err = c.Create("/p/c", nil)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	assert.Equal(t, []string{"parent child /p"}, log.take())

	_, err = c.Create("/p/c/g", nil)
	require.NoError(t, err)
	_, _, err = c.Get("/p/c/g", log.watch("grandchild"))
	require.NoError(t, err)
	_, err = c.Exists("/p/c", log.watch("child"))
	require.NoError(t, err)
	_, err = c.Children("/p", true, log.watch("parent"))
	require.NoError(t, err)

	require.NoError(t, c.Delete("/p/c", true))
	require.NoError(t, c.Flush())
	assert.Equal(t, []string{
		"grandchild deleted /p/c/g",
		"child deleted /p/c",
		"parent child /p",
	}, log.take())
}

func TestClientFailedOperationsFireNothing(t *testing.T) {
	c := startedClient(t)
	var log eventLog
	_, err := c.Create("/a", nil)
	require.NoError(t, err)
	_, _, err = c.Get("/a", log.watch("a"))
	require.NoError(t, err)
	_, err = c.Children("/", true, log.watch("root"))
	require.NoError(t, err)

	_, err = c.Set("/a", nil, 7)
	assert.ErrorIs(t, err, ErrBadVersion)
	_, err = c.Create("/a", nil)
	assert.ErrorIs(t, err, ErrNodeExists)
	require.NoError(t, c.Flush())
	assert.Empty(t, log.take())
	assert.Equal(t, 2, c.watches.Len())
}

func TestClientWatchOnMissingNodeIsDropped(t *testing.T) {
	c := startedClient(t)
	var log eventLog

	_, _, err := c.Get("/ghost", log.watch("get"))
	assert.ErrorIs(t, err, ErrNoNode)
	st, err := c.Exists("/ghost", log.watch("exists"))
	require.NoError(t, err)
	assert.Nil(t, st)
	_, err = c.Children("/ghost", true, log.watch("children"))
	assert.ErrorIs(t, err, ErrNoNode)

	assert.Zero(t, c.watches.Len())
}

func TestClientStopClearsWatchesAndListeners(t *testing.T) {
	c := NewClient(WithLogger(zaptest.NewLogger(t)))
	var states []State
	var mu sync.Mutex
	c.AddListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Start())
	var log eventLog
	_, err := c.Create("/a", nil)
	require.NoError(t, err)
	_, _, err = c.Get("/a", log.watch("stale"))
	require.NoError(t, err)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	mu.Lock()
	assert.Equal(t, []State{StateConnected, StateStopped}, states)
	mu.Unlock()

	_, err = c.Create("/b", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	_, _, err = c.Get("/a", log.watch("fresh"))
	require.NoError(t, err, "the store survives a stop/start cycle")
	_, err = c.Set("/a", []byte("x"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	assert.Equal(t, []string{"fresh changed /a"}, log.take())
	mu.Lock()
	assert.Len(t, states, 2, "listeners do not survive Stop")
	mu.Unlock()
}

func TestClientExpire(t *testing.T) {
	c := NewClient()
	assert.False(t, c.Expire(), "only a connected session can expire")

	var states []State
	c.AddListener(func(s State) { states = append(states, s) })
	require.NoError(t, c.Start())
	_, err := c.Create("/a", nil)
	require.NoError(t, err)

	require.True(t, c.Expire())
	require.NoError(t, c.Flush())
	assert.Equal(t, []State{StateConnected, StateExpired}, states)

	_, _, err = c.Get("/a", nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = c.Create("/b", nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, c.Start(), ErrSessionExpired)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Start())
	defer c.Stop()
	_, _, err = c.Get("/a", nil)
	assert.NoError(t, err)
}

func TestClientRemoveListener(t *testing.T) {
	c := NewClient()
	calls := 0
	id := c.AddListener(func(State) { calls++ })
	assert.True(t, c.RemoveListener(id))
	assert.False(t, c.RemoveListener(id))

	require.NoError(t, c.Start())
	require.NoError(t, c.Flush())
	c.Stop()
	assert.Zero(t, calls)
}

// A watch callback may call back into the client without deadlocking, and
// may re-arm itself.
func TestClientWatchCallbackReentry(t *testing.T) {
	c := startedClient(t)
	_, err := c.Create("/counter", []byte("0"))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	var rearm WatchFunc
	rearm = func(ev Event) {
		data, _, err := c.Get(ev.Path, rearm)
		if err != nil {
			t.Errorf("Get from callback: %v", err)
			return
		}
		mu.Lock()
		seen = append(seen, string(data))
		mu.Unlock()
		if string(data) == "1" {
			if _, err := c.Create("/side", nil); err != nil {
				t.Errorf("Create from callback: %v", err)
			}
		}
	}
	_, _, err = c.Get("/counter", rearm)
	require.NoError(t, err)

	_, err = c.Set("/counter", []byte("1"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	_, err = c.Set("/counter", []byte("2"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, seen)
	ex, err := c.Exists("/side", nil)
	require.NoError(t, err)
	assert.NotNil(t, ex)
}

// A callback whose write fires more watches than the queue size holds must
// not stall the dispatcher it runs on.
func TestClientReentryOverflowsSmallQueue(t *testing.T) {
	c := startedClient(t, WithQueueSize(1))
	require.NoError(t, c.EnsurePath("/a"))
	require.NoError(t, c.EnsurePath("/b"))

	var log eventLog
	for i := 0; i < 3; i++ {
		_, _, err := c.Get("/b", log.watch(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
	}
	_, _, err := c.Get("/a", func(Event) {
		if _, err := c.Set("/b", []byte("x"), AnyVersion); err != nil {
			t.Errorf("Set from callback: %v", err)
		}
	})
	require.NoError(t, err)

	_, err = c.Set("/a", []byte("go"), AnyVersion)
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush() }()
	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stalled on its own queue")
	}
	require.NoError(t, c.Flush())
	assert.Equal(t, []string{"b0 changed /b", "b1 changed /b", "b2 changed /b"}, log.take())
}

func TestClientPanickingWatchDoesNotBreakOthers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c := NewClient(WithLogger(zap.New(core)))
	require.NoError(t, c.Start())
	defer c.Stop()

	var log eventLog
	_, err := c.Create("/a", nil)
	require.NoError(t, err)
	_, _, err = c.Get("/a", func(Event) { panic("watch blew up") })
	require.NoError(t, err)
	_, _, err = c.Get("/a", log.watch("survivor"))
	require.NoError(t, err)

	_, err = c.Set("/a", nil, AnyVersion)
	require.NoError(t, err, "callback failures never reach the mutating call")
	require.NoError(t, c.Flush())

	assert.Equal(t, []string{"survivor changed /a"}, log.take())
	assert.Equal(t, 1, logs.Len())
}

func TestClientConcurrentCreates(t *testing.T) {
	c := startedClient(t)
	_, err := c.Create("/jobs", nil)
	require.NoError(t, err)

	var fired sync.WaitGroup
	const N = 64
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			p := fmt.Sprintf("/jobs/j%03d", i)
			if _, err := c.Create(p, nil); err != nil {
				return err
			}
			fired.Add(1)
			_, _, err := c.Get(p, func(Event) { fired.Done() })
			if err != nil {
				return err
			}
			_, err = c.Set(p, []byte("done"), 0)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, c.Flush())
	fired.Wait()

	names, err := c.Children("/jobs", true, nil)
	require.NoError(t, err)
	assert.Len(t, names, N)
	assert.Zero(t, c.watches.Len())
}

type opCounter struct {
	NoopMetrics
	mu     sync.Mutex
	ops    map[string]int
	failed int
	fired  map[EventType]int
}

func (m *opCounter) Op(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.failed++
	}
}

func (m *opCounter) WatchFired(t EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired[t]++
}

func TestClientMetrics(t *testing.T) {
	m := &opCounter{ops: map[string]int{}, fired: map[EventType]int{}}
	c := startedClient(t, WithMetrics(m))

	_, _ = c.Create("/a", nil)
	_, _ = c.Create("/a", nil)
	_, _, _ = c.Get("/a", func(Event) {})
	_, _ = c.Set("/a", nil, AnyVersion)
	require.NoError(t, c.Flush())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 2, m.ops["create"])
	assert.Equal(t, 1, m.ops["get"])
	assert.Equal(t, 1, m.ops["set"])
	assert.Equal(t, 1, m.failed)
	assert.Equal(t, 1, m.fired[EventChanged])
}
