package coord

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkeeper/internal/clock"
)

// ListenerID identifies a registered state listener.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type clientOptions struct {
	log       *zap.Logger
	clock     clock.Clock
	metrics   Metrics
	queueSize int
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithLogger sets the logger used for callback failures and lifecycle events.
func WithLogger(l *zap.Logger) ClientOption { return func(o *clientOptions) { o.log = l } }

// WithClock overrides the clock used for node timestamps.
func WithClock(c clock.Clock) ClientOption { return func(o *clientOptions) { o.clock = c } }

// WithMetrics plugs an observability backend, e.g. metrics/prom.CoordAdapter.
func WithMetrics(m Metrics) ClientOption { return func(o *clientOptions) { o.metrics = m } }

// WithQueueSize sets the callback backlog at which the dispatcher warns.
func WithQueueSize(n int) ClientOption { return func(o *clientOptions) { o.queueSize = n } }

// Client is an in-memory coordination client with ZooKeeper-like
// semantics: a hierarchical store, one-shot watches and a session state
// machine. Watch and listener callbacks run on a single dispatcher
// goroutine, in the order their triggering operations completed.
//
// Callbacks may call any data operation on the client. They must not call
// Start, Stop or Flush.
type Client struct {
	// life guards the session fields. Operations hold it shared for their
	// whole duration so Stop cannot interleave with a half-done operation.
	life      sync.RWMutex
	state     State
	disp      *Dispatcher
	listeners []listenerEntry
	nextLID   ListenerID

	store   *Store
	watches *WatchRegistry

	log     *zap.Logger
	metrics Metrics
	qsize   int
}

// NewClient returns a stopped client over an empty store.
func NewClient(opts ...ClientOption) *Client {
	o := clientOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NoopMetrics{}
	}
	return &Client{
		state:   StateStopped,
		store:   NewStore(o.clock),
		watches: NewWatchRegistry(o.metrics),
		log:     o.log,
		metrics: o.metrics,
		qsize:   o.queueSize,
	}
}

// ---- session lifecycle ----

// Start connects the client. It is a no-op when already connected and
// fails with ErrSessionExpired on an expired session (Stop first).
func (c *Client) Start() error {
	c.life.Lock()
	defer c.life.Unlock()

	switch c.state {
	case StateConnected:
		return nil
	case StateExpired:
		return fmt.Errorf("coord: start: %w", ErrSessionExpired)
	}
	c.disp = NewDispatcher(c.qsize, c.log, c.metrics)
	c.state = StateConnected
	c.notifyLocked(StateConnected)
	c.log.Debug("coord: session connected")
	return nil
}

// Stop ends the session from any state. Listeners are told about the
// transition, queued callbacks drain, then all listeners and watches are
// dropped; none of them survive into the next Start.
func (c *Client) Stop() {
	c.life.Lock()
	if c.state == StateStopped {
		c.life.Unlock()
		return
	}
	c.state = StateStopped
	c.notifyLocked(StateStopped)
	d := c.disp
	c.disp = nil
	c.listeners = nil
	c.watches.Clear()
	c.life.Unlock()

	d.Close()
	c.log.Debug("coord: session stopped")
}

// Expire moves a connected session into the expired fault state, after
// which every operation fails with ErrSessionExpired until Stop.
// It reports whether the transition happened.
func (c *Client) Expire() bool {
	c.life.Lock()
	defer c.life.Unlock()

	if c.state != StateConnected {
		return false
	}
	c.state = StateExpired
	c.notifyLocked(StateExpired)
	c.log.Warn("coord: session expired")
	return true
}

// State returns the current session state.
func (c *Client) State() State {
	c.life.RLock()
	defer c.life.RUnlock()
	return c.state
}

// AddListener registers fn for state transitions.
func (c *Client) AddListener(fn Listener) ListenerID {
	c.life.Lock()
	defer c.life.Unlock()
	c.nextLID++
	c.listeners = append(c.listeners, listenerEntry{id: c.nextLID, fn: fn})
	return c.nextLID
}

// RemoveListener unregisters a listener. It reports whether it was present.
func (c *Client) RemoveListener(id ListenerID) bool {
	c.life.Lock()
	defer c.life.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// notifyLocked queues every listener with s. Requires life held exclusively.
func (c *Client) notifyLocked(s State) {
	if c.disp == nil {
		return
	}
	for _, l := range c.listeners {
		fn := l.fn
		c.disp.Submit(func() { fn(s) })
	}
}

// ---- data operations ----

// Create adds a node and returns its normalized path. Fires a child event
// on the parent.
func (c *Client) Create(path string, data []byte) (p string, err error) {
	defer func() { c.metrics.Op("create", err) }()

	d, err := c.acquire("create")
	if err != nil {
		return "", err
	}
	defer c.life.RUnlock()

	if p, err = NormalizePath(path); err != nil {
		return "", fmt.Errorf("coord: create: %w", err)
	}
	if p == Root {
		return "", fmt.Errorf("coord: create %q: %w", p, ErrNodeExists)
	}
	if _, err = c.store.Create(p, data); err != nil {
		return "", err
	}
	c.watches.Fire(d, Trigger{Path: Parent(p), Type: EventChild})
	return p, nil
}

// EnsurePath creates p and any missing ancestors with empty data.
// Existing nodes are left alone.
func (c *Client) EnsurePath(path string) (err error) {
	defer func() { c.metrics.Op("ensure_path", err) }()

	d, err := c.acquire("ensure_path")
	if err != nil {
		return err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return fmt.Errorf("coord: ensure_path: %w", err)
	}
	var chain []string
	for q := p; q != Root; q = Parent(q) {
		chain = append(chain, q)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		_, err := c.store.Create(chain[i], nil)
		switch {
		case err == nil:
			c.watches.Fire(d, Trigger{Path: Parent(chain[i]), Type: EventChild})
		case errors.Is(err, ErrNodeExists):
		default:
			// a concurrent delete removed an ancestor under us
			return err
		}
	}
	return nil
}

// Get returns the data and stat at path. A non-nil watch is registered for
// the next event on path; it is dropped again if the read fails.
func (c *Client) Get(path string, watch WatchFunc) (data []byte, stat Stat, err error) {
	defer func() { c.metrics.Op("get", err) }()

	if _, err = c.acquire("get"); err != nil {
		return nil, Stat{}, err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return nil, Stat{}, fmt.Errorf("coord: get: %w", err)
	}
	return c.readWatched(p, watch, func() ([]byte, Stat, error) { return c.store.Get(p) })
}

// Set replaces the data at path if version matches (AnyVersion skips the
// check) and fires a changed event on path.
func (c *Client) Set(path string, data []byte, version int64) (stat Stat, err error) {
	defer func() { c.metrics.Op("set", err) }()

	d, err := c.acquire("set")
	if err != nil {
		return Stat{}, err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return Stat{}, fmt.Errorf("coord: set: %w", err)
	}
	if stat, err = c.store.Set(p, data, version); err != nil {
		return Stat{}, err
	}
	c.watches.Fire(d, Trigger{Path: p, Type: EventChanged})
	return stat, nil
}

// Delete removes path, and with recursive all of its descendants. Every
// removed path fires a deleted event (deepest first), then the parent
// fires a child event.
func (c *Client) Delete(path string, recursive bool) (err error) {
	defer func() { c.metrics.Op("delete", err) }()

	d, err := c.acquire("delete")
	if err != nil {
		return err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return fmt.Errorf("coord: delete: %w", err)
	}
	removed, err := c.store.Delete(p, recursive)
	if err != nil {
		return err
	}
	triggers := make([]Trigger, 0, len(removed)+1)
	for _, r := range removed {
		triggers = append(triggers, Trigger{Path: r, Type: EventDeleted})
	}
	triggers = append(triggers, Trigger{Path: Parent(p), Type: EventChild})
	c.watches.Fire(d, triggers...)
	return nil
}

// Children lists the children of path (see Store.Children). A non-nil
// watch is registered on path.
func (c *Client) Children(path string, directOnly bool, watch WatchFunc) (names []string, err error) {
	defer func() { c.metrics.Op("children", err) }()

	if _, err = c.acquire("children"); err != nil {
		return nil, err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("coord: children: %w", err)
	}
	var id WatchID
	if watch != nil {
		id = c.watches.Register(p, watch)
	}
	names, err = c.store.Children(p, directOnly)
	if err != nil && watch != nil {
		c.watches.Cancel(id)
	}
	return names, err
}

// Exists returns the stat at path, or nil without error when it is absent.
// A non-nil watch is only kept when the node exists.
func (c *Client) Exists(path string, watch WatchFunc) (stat *Stat, err error) {
	defer func() { c.metrics.Op("exists", err) }()

	if _, err = c.acquire("exists"); err != nil {
		return nil, err
	}
	defer c.life.RUnlock()

	p, err := NormalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("coord: exists: %w", err)
	}
	_, st, err := c.readWatched(p, watch, func() ([]byte, Stat, error) { return c.store.Get(p) })
	if errors.Is(err, ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Sync verifies the session is usable. The in-memory store is always in
// sync, so there is nothing else to wait for.
func (c *Client) Sync(path string) (err error) {
	defer func() { c.metrics.Op("sync", err) }()

	if _, err = c.acquire("sync"); err != nil {
		return err
	}
	defer c.life.RUnlock()

	if _, err = NormalizePath(path); err != nil {
		return fmt.Errorf("coord: sync: %w", err)
	}
	return nil
}

// Flush blocks until every callback queued before the call has run.
// It also works on an expired session, so tests can observe the expiry
// notification.
func (c *Client) Flush() error {
	c.life.RLock()
	d := c.disp
	c.life.RUnlock()
	if d == nil {
		return fmt.Errorf("coord: flush: %w", ErrConnectionClosed)
	}
	d.Flush()
	return nil
}

// ---- internals ----

// acquire checks the session and, on success, returns with life held
// shared; the caller must RUnlock it.
func (c *Client) acquire(op string) (*Dispatcher, error) {
	c.life.RLock()
	switch c.state {
	case StateConnected:
		return c.disp, nil
	case StateExpired:
		c.life.RUnlock()
		return nil, fmt.Errorf("coord: %s: %w", op, ErrSessionExpired)
	default:
		c.life.RUnlock()
		return nil, fmt.Errorf("coord: %s: %w", op, ErrConnectionClosed)
	}
}

// readWatched registers watch before reading so a change racing with the
// read still reaches it, then drops the watch if the read fails.
func (c *Client) readWatched(p string, watch WatchFunc, read func() ([]byte, Stat, error)) ([]byte, Stat, error) {
	var id WatchID
	if watch != nil {
		id = c.watches.Register(p, watch)
	}
	data, st, err := read()
	if err != nil && watch != nil {
		c.watches.Cancel(id)
	}
	return data, st, err
}
