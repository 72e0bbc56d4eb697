// Package discovery registers cache nodes under a well-known coordination
// path and keeps a live view of the registered peers.
//
// Layout: NodesPath/<node id> holds the node's advertised address.
package discovery

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkeeper/pkg/coord"
)

// NodesPath is the parent of every node registration.
const NodesPath = "/nodes"

// Backend is the part of a coordination client discovery needs. Both
// *coord.Client and *etcdcoord.Client satisfy it.
type Backend interface {
	EnsurePath(path string) error
	Create(path string, data []byte) (string, error)
	Set(path string, data []byte, version int64) (coord.Stat, error)
	Get(path string, watch coord.WatchFunc) ([]byte, coord.Stat, error)
	Children(path string, directOnly bool, watch coord.WatchFunc) ([]string, error)
	Delete(path string, recursive bool) error
}

// ephemeralCreator is implemented by backends whose nodes can be bound to
// the session, so a crashed process drops out of the peer set on its own.
type ephemeralCreator interface {
	CreateEphemeral(path string, data []byte) (string, error)
}

// Registration is a node's entry under NodesPath.
type Registration struct {
	b    Backend
	path string
}

// Register announces id at addr. An existing registration for the same id
// is overwritten.
func Register(b Backend, id, addr string) (*Registration, error) {
	if id == "" {
		return nil, errors.New("discovery: register: empty node id")
	}
	if err := b.EnsurePath(NodesPath); err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}
	p := coord.Join(NodesPath, id)

	create := b.Create
	if ec, ok := b.(ephemeralCreator); ok {
		create = ec.CreateEphemeral
	}
	_, err := create(p, []byte(addr))
	if errors.Is(err, coord.ErrNodeExists) {
		_, err = b.Set(p, []byte(addr), coord.AnyVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}
	return &Registration{b: b, path: p}, nil
}

// Path returns the registration node path.
func (r *Registration) Path() string { return r.path }

// Deregister removes the registration. Removing an already missing node is
// not an error.
func (r *Registration) Deregister() error {
	err := r.b.Delete(r.path, false)
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return fmt.Errorf("discovery: deregister: %w", err)
	}
	return nil
}

// Peers returns the current id -> address map.
func Peers(b Backend) (map[string]string, error) {
	return peers(b, nil)
}

func peers(b Backend, watch coord.WatchFunc) (map[string]string, error) {
	ids, err := b.Children(NodesPath, true, watch)
	if err != nil {
		return nil, fmt.Errorf("discovery: list peers: %w", err)
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		data, _, err := b.Get(coord.Join(NodesPath, id), nil)
		if errors.Is(err, coord.ErrNoNode) {
			// left between the listing and the read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discovery: read peer %s: %w", id, err)
		}
		out[id] = string(data)
	}
	return out, nil
}

// Watcher keeps fn up to date with the peer set.
type Watcher struct {
	b   Backend
	fn  func(map[string]string)
	log *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// WatchPeers calls fn with the current peers, then again after every
// membership change. Later calls run on the backend's callback goroutine.
// The watch ends with the backend session; call WatchPeers again after a
// restart.
func WatchPeers(b Backend, log *zap.Logger, fn func(map[string]string)) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{b: b, fn: fn, log: log}
	if err := w.refresh(); err != nil {
		return nil, err
	}
	return w, nil
}

// Stop ends the watch. A pending one-shot watch may still fire once; it is
// ignored.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (w *Watcher) refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	ps, err := peers(w.b, w.onEvent)
	if err != nil {
		return err
	}
	w.fn(ps)
	return nil
}

func (w *Watcher) onEvent(ev coord.Event) {
	if err := w.refresh(); err != nil {
		w.log.Warn("discovery: re-arm peer watch", zap.String("event", ev.Type.String()), zap.Error(err))
	}
}
