// Package etcdcoord implements the coord client surface on top of a real
// etcd cluster, so code written against the in-memory fake can run against
// production infrastructure unchanged.
//
// Every coordination path is one etcd key. A session owns an etcd lease:
// ephemeral nodes are attached to it and disappear when the session stops
// or the lease is lost, and losing the lease moves the client to
// coord.StateExpired. Watches are one-shot etcd watches started at the
// revision following the read that registered them, so no change after the
// read is missed. Callbacks run on a coord.Dispatcher, one at a time.
package etcdcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
)

// Config describes how to reach etcd and how sessions behave.
type Config struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// SessionTTL is the lease TTL in seconds.
	SessionTTL int64
	// Prefix namespaces every key, e.g. "/zephyr".
	Prefix    string
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 10
	}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m coord.Metrics) Option { return func(c *Client) { c.metrics = m } }

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	lease  clientv3.LeaseID
	disp   *coord.Dispatcher
}

type listenerEntry struct {
	id coord.ListenerID
	fn coord.Listener
}

// Client is a coordination client backed by etcd.
type Client struct {
	cfg   Config
	cli   *clientv3.Client
	owned bool
	ks    keyspace

	log     *zap.Logger
	metrics coord.Metrics

	mu        sync.RWMutex
	state     coord.State
	sess      *session
	listeners []listenerEntry
	nextLID   coord.ListenerID
}

// New dials etcd. The returned client is stopped; call Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.setDefaults()
	c := newClient(cfg, opts)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      c.log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcdcoord: dial %v: %w", cfg.Endpoints, err)
	}
	c.cli = cli
	c.owned = true
	return c, nil
}

// NewFromClient wraps an existing etcd client. Close leaves it open.
func NewFromClient(cli *clientv3.Client, cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := newClient(cfg, opts)
	c.cli = cli
	return c
}

func newClient(cfg Config, opts []Option) *Client {
	c := &Client{cfg: cfg, ks: newKeyspace(cfg.Prefix), state: coord.StateStopped}
	for _, fn := range opts {
		fn(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = coord.NoopMetrics{}
	}
	return c
}

// Start opens a session: grants a lease, keeps it alive and starts the
// callback dispatcher.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case coord.StateConnected:
		return nil
	case coord.StateExpired:
		return fmt.Errorf("etcdcoord: start: %w", coord.ErrSessionExpired)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gctx, gcancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	lease, err := c.cli.Grant(gctx, c.cfg.SessionTTL)
	gcancel()
	if err != nil {
		cancel()
		return fmt.Errorf("etcdcoord: start: grant lease: %w", err)
	}
	ka, err := c.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcdcoord: start: keepalive: %w", err)
	}

	s := &session{
		ctx:    ctx,
		cancel: cancel,
		lease:  lease.ID,
		disp:   coord.NewDispatcher(c.cfg.QueueSize, c.log, c.metrics),
	}
	c.sess = s
	c.state = coord.StateConnected
	c.notifyLocked(coord.StateConnected)
	go c.keepAlive(s, ka)

	c.log.Info("etcdcoord: session started", zap.Int64("lease", int64(lease.ID)))
	return nil
}

// keepAlive drains lease renewals; when the channel closes while s is still
// the live session, the lease is gone and the session expires.
func (c *Client) keepAlive(s *session, ka <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ka {
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.state != coord.StateConnected {
		return
	}
	c.state = coord.StateExpired
	c.notifyLocked(coord.StateExpired)
	c.log.Warn("etcdcoord: session lease lost", zap.Int64("lease", int64(s.lease)))
}

// Stop ends the session. Pending watches are cancelled, the lease is
// revoked (removing ephemeral nodes) and queued callbacks drain.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == coord.StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = coord.StateStopped
	c.notifyLocked(coord.StateStopped)
	s := c.sess
	c.sess = nil
	c.listeners = nil
	c.mu.Unlock()

	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.cli.Revoke(ctx, s.lease); err != nil {
		c.log.Warn("etcdcoord: revoke lease", zap.Error(err))
	}
	s.disp.Close()
	c.log.Info("etcdcoord: session stopped")
}

// Close stops the session and closes the etcd client if New dialed it.
func (c *Client) Close() error {
	c.Stop()
	if c.owned {
		return c.cli.Close()
	}
	return nil
}

func (c *Client) State() coord.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) AddListener(fn coord.Listener) coord.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextLID++
	c.listeners = append(c.listeners, listenerEntry{id: c.nextLID, fn: fn})
	return c.nextLID
}

func (c *Client) RemoveListener(id coord.ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) notifyLocked(st coord.State) {
	if c.sess == nil {
		return
	}
	for _, l := range c.listeners {
		fn := l.fn
		c.sess.disp.Submit(func() { fn(st) })
	}
}

// acquire returns the live session with mu held shared; the caller must
// RUnlock. The returned context carries the request timeout.
func (c *Client) acquire(op string) (*session, context.Context, context.CancelFunc, error) {
	c.mu.RLock()
	switch c.state {
	case coord.StateConnected:
		ctx, cancel := context.WithTimeout(c.sess.ctx, c.cfg.RequestTimeout)
		return c.sess, ctx, cancel, nil
	case coord.StateExpired:
		c.mu.RUnlock()
		return nil, nil, nil, fmt.Errorf("etcdcoord: %s: %w", op, coord.ErrSessionExpired)
	default:
		c.mu.RUnlock()
		return nil, nil, nil, fmt.Errorf("etcdcoord: %s: %w", op, coord.ErrConnectionClosed)
	}
}

func (c *Client) release(cancel context.CancelFunc) {
	cancel()
	c.mu.RUnlock()
}

func normalize(op, path string) (string, error) {
	p, err := coord.NormalizePath(path)
	if err != nil {
		return "", fmt.Errorf("etcdcoord: %s: %w", op, err)
	}
	return p, nil
}

// Create adds a persistent node. The parent must exist.
func (c *Client) Create(path string, data []byte) (p string, err error) {
	defer func() { c.metrics.Op("create", err) }()
	s, ctx, cancel, err := c.acquire("create")
	if err != nil {
		return "", err
	}
	defer c.release(cancel)
	return c.create(ctx, s, path, data, false)
}

// CreateEphemeral adds a node bound to the session lease. It is removed
// when the session stops or expires.
func (c *Client) CreateEphemeral(path string, data []byte) (p string, err error) {
	defer func() { c.metrics.Op("create_ephemeral", err) }()
	s, ctx, cancel, err := c.acquire("create_ephemeral")
	if err != nil {
		return "", err
	}
	defer c.release(cancel)
	return c.create(ctx, s, path, data, true)
}

func (c *Client) create(ctx context.Context, s *session, path string, data []byte, ephemeral bool) (string, error) {
	p, err := normalize("create", path)
	if err != nil {
		return "", err
	}
	if p == coord.Root {
		return "", fmt.Errorf("etcdcoord: create %q: %w", p, coord.ErrNodeExists)
	}
	key := c.ks.key(p)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
	if parent := coord.Parent(p); parent != coord.Root {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(c.ks.key(parent)), ">", 0))
	}
	var putOpts []clientv3.OpOption
	if ephemeral {
		putOpts = append(putOpts, clientv3.WithLease(s.lease))
	}
	resp, err := c.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(key, string(data), putOpts...)).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return "", fmt.Errorf("etcdcoord: create %q: %w", p, err)
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count > 0 {
			return "", fmt.Errorf("etcdcoord: create %q: %w", p, coord.ErrNodeExists)
		}
		return "", fmt.Errorf("etcdcoord: create %q: %w", p, coord.ErrNoParent)
	}
	return p, nil
}

// EnsurePath creates p and any missing ancestors.
func (c *Client) EnsurePath(path string) (err error) {
	defer func() { c.metrics.Op("ensure_path", err) }()
	s, ctx, cancel, err := c.acquire("ensure_path")
	if err != nil {
		return err
	}
	defer c.release(cancel)

	p, err := normalize("ensure_path", path)
	if err != nil {
		return err
	}
	var chain []string
	for q := p; q != coord.Root; q = coord.Parent(q) {
		chain = append(chain, q)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := c.create(ctx, s, chain[i], nil, false); err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Get returns the node's data and stat, optionally watching it.
func (c *Client) Get(path string, watch coord.WatchFunc) (data []byte, stat coord.Stat, err error) {
	defer func() { c.metrics.Op("get", err) }()
	s, ctx, cancel, err := c.acquire("get")
	if err != nil {
		return nil, coord.Stat{}, err
	}
	defer c.release(cancel)

	p, err := normalize("get", path)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	resp, err := c.cli.Get(ctx, c.ks.key(p))
	if err != nil {
		return nil, coord.Stat{}, fmt.Errorf("etcdcoord: get %q: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, fmt.Errorf("etcdcoord: get %q: %w", p, coord.ErrNoNode)
	}
	if watch != nil {
		c.watchNode(s, p, resp.Header.Revision, watch)
	}
	kv := resp.Kvs[0]
	return kv.Value, statFromKV(kv), nil
}

// Exists returns the node's stat, or nil when absent. A watch is only set
// on an existing node.
func (c *Client) Exists(path string, watch coord.WatchFunc) (stat *coord.Stat, err error) {
	defer func() { c.metrics.Op("exists", err) }()
	s, ctx, cancel, err := c.acquire("exists")
	if err != nil {
		return nil, err
	}
	defer c.release(cancel)

	p, err := normalize("exists", path)
	if err != nil {
		return nil, err
	}
	resp, err := c.cli.Get(ctx, c.ks.key(p))
	if err != nil {
		return nil, fmt.Errorf("etcdcoord: exists %q: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	if watch != nil {
		c.watchNode(s, p, resp.Header.Revision, watch)
	}
	st := statFromKV(resp.Kvs[0])
	return &st, nil
}

// Set replaces the node's data if version matches (coord.AnyVersion skips
// the check).
func (c *Client) Set(path string, data []byte, version int64) (stat coord.Stat, err error) {
	defer func() { c.metrics.Op("set", err) }()
	_, ctx, cancel, err := c.acquire("set")
	if err != nil {
		return coord.Stat{}, err
	}
	defer c.release(cancel)

	p, err := normalize("set", path)
	if err != nil {
		return coord.Stat{}, err
	}
	key := c.ks.key(p)
	cmp := clientv3.Compare(clientv3.Version(key), "=", version+1)
	if version == coord.AnyVersion {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
	}
	resp, err := c.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(key)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return coord.Stat{}, fmt.Errorf("etcdcoord: set %q: %w", p, err)
	}
	if resp.Succeeded {
		return statFromKV(resp.Responses[1].GetResponseRange().Kvs[0]), nil
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return coord.Stat{}, fmt.Errorf("etcdcoord: set %q: %w", p, coord.ErrNoNode)
	}
	return coord.Stat{}, fmt.Errorf("etcdcoord: set %q: have version %d, want %d: %w",
		p, kvs[0].Version-1, version, coord.ErrBadVersion)
}

// Delete removes the node, and with recursive its whole subtree, in one
// transaction.
func (c *Client) Delete(path string, recursive bool) (err error) {
	defer func() { c.metrics.Op("delete", err) }()
	_, ctx, cancel, err := c.acquire("delete")
	if err != nil {
		return err
	}
	defer c.release(cancel)

	p, err := normalize("delete", path)
	if err != nil {
		return err
	}
	if p == coord.Root {
		return fmt.Errorf("etcdcoord: delete %q: %w: root cannot be deleted", p, coord.ErrInvalidPath)
	}
	key := c.ks.key(p)
	ops := []clientv3.Op{clientv3.OpDelete(key)}
	if recursive {
		ops = append(ops, clientv3.OpDelete(c.ks.children(p), clientv3.WithPrefix()))
	}
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(ops...).
		Commit()
	if err != nil {
		return fmt.Errorf("etcdcoord: delete %q: %w", p, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("etcdcoord: delete %q: %w", p, coord.ErrNoNode)
	}
	return nil
}

// Children lists descendants of path relative to it, sorted. A watch fires
// when a direct child is added or removed, or when path itself is deleted.
func (c *Client) Children(path string, directOnly bool, watch coord.WatchFunc) (names []string, err error) {
	defer func() { c.metrics.Op("children", err) }()
	s, ctx, cancel, err := c.acquire("children")
	if err != nil {
		return nil, err
	}
	defer c.release(cancel)

	p, err := normalize("children", path)
	if err != nil {
		return nil, err
	}
	list := clientv3.OpGet(c.ks.children(p), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	var txn clientv3.Txn = c.cli.Txn(ctx)
	if p != coord.Root {
		txn = txn.If(clientv3.Compare(clientv3.CreateRevision(c.ks.key(p)), ">", 0))
	}
	resp, err := txn.Then(list).Commit()
	if err != nil {
		return nil, fmt.Errorf("etcdcoord: children %q: %w", p, err)
	}
	if !resp.Succeeded {
		return nil, fmt.Errorf("etcdcoord: children %q: %w", p, coord.ErrNoNode)
	}
	if watch != nil {
		c.watchChildren(s, p, resp.Header.Revision, watch)
	}
	return c.ks.childNames(p, resp.Responses[0].GetResponseRange().Kvs, directOnly), nil
}

// Sync performs a linearizable read so later reads observe every write
// acknowledged before the call.
func (c *Client) Sync(path string) (err error) {
	defer func() { c.metrics.Op("sync", err) }()
	_, ctx, cancel, err := c.acquire("sync")
	if err != nil {
		return err
	}
	defer c.release(cancel)

	p, err := normalize("sync", path)
	if err != nil {
		return err
	}
	if _, err := c.cli.Get(ctx, c.ks.key(p), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("etcdcoord: sync %q: %w", p, err)
	}
	return nil
}

// Flush waits for every callback queued before the call.
func (c *Client) Flush() error {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("etcdcoord: flush: %w", coord.ErrConnectionClosed)
	}
	s.disp.Flush()
	return nil
}
