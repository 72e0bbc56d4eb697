package coord

import "sync"

// WatchID identifies a registered watch so it can be cancelled before it fires.
type WatchID uint64

type watch struct {
	id WatchID
	fn WatchFunc
}

// Trigger pairs a path with the event its watches receive.
type Trigger struct {
	Path string
	Type EventType
}

// WatchRegistry keeps one-shot watches per exact path, in registration order.
// A watch is removed the moment it fires, so each registration is delivered
// at most once.
type WatchRegistry struct {
	mu      sync.Mutex
	byPath  map[string][]watch
	paths   map[WatchID]string
	nextID  WatchID
	metrics Metrics
}

// NewWatchRegistry returns an empty registry.
func NewWatchRegistry(m Metrics) *WatchRegistry {
	if m == nil {
		m = NoopMetrics{}
	}
	return &WatchRegistry{
		byPath:  make(map[string][]watch),
		paths:   make(map[WatchID]string),
		metrics: m,
	}
}

// Register appends fn to the queue for path.
func (r *WatchRegistry) Register(path string, fn WatchFunc) WatchID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byPath[path] = append(r.byPath[path], watch{id: r.nextID, fn: fn})
	r.paths[r.nextID] = path
	return r.nextID
}

// Cancel drops a watch that has not fired yet.
func (r *WatchRegistry) Cancel(id WatchID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[id]
	if !ok {
		return false
	}
	delete(r.paths, id)
	ws := r.byPath[p]
	for i, w := range ws {
		if w.id != id {
			continue
		}
		ws = append(ws[:i:i], ws[i+1:]...)
		break
	}
	if len(ws) == 0 {
		delete(r.byPath, p)
	} else {
		r.byPath[p] = ws
	}
	return true
}

// Fire pops the watches of every trigger path, in trigger order then
// registration order, and hands them to d. Paths not named are untouched.
// It must be called without the store lock held.
func (r *WatchRegistry) Fire(d *Dispatcher, triggers ...Trigger) int {
	type pending struct {
		fn WatchFunc
		ev Event
	}
	var due []pending

	r.mu.Lock()
	for _, t := range triggers {
		ws, ok := r.byPath[t.Path]
		if !ok {
			continue
		}
		delete(r.byPath, t.Path)
		for _, w := range ws {
			delete(r.paths, w.id)
			due = append(due, pending{fn: w.fn, ev: Event{Type: t.Type, Path: t.Path}})
		}
	}
	r.mu.Unlock()

	for _, p := range due {
		r.metrics.WatchFired(p.ev.Type)
		// a closed dispatcher means the session ended; the watch dies with it
		if d != nil {
			d.Submit(func() { p.fn(p.ev) })
		}
	}
	return len(due)
}

// Clear drops every watch.
func (r *WatchRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byPath)
	clear(r.paths)
}

// Len returns the number of pending watches.
func (r *WatchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}
