package coord

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the backlog at which the dispatcher starts warning.
const DefaultQueueSize = 1024

// Dispatcher runs callbacks one at a time, in submission order, on a single
// worker goroutine. It plays the role of a coordination client's event
// thread: watch and state notifications never run concurrently with each
// other, and a slow callback only delays the callbacks queued behind it.
//
// Submit never blocks. A callback that triggers more callbacks (a watch
// handler writing to the store it watches) only grows the queue, so the
// worker can never wait on itself. The queue size is a soft limit: crossing
// it logs a warning once per backlog.
//
// A callback must not call Flush or Close on the dispatcher running it.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	warnAt int
	warned bool
	done   chan struct{}

	log     *zap.Logger
	metrics Metrics
}

// NewDispatcher starts the worker goroutine.
func NewDispatcher(queueSize int, log *zap.Logger, m Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NoopMetrics{}
	}
	d := &Dispatcher{
		warnAt:  queueSize,
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Submit enqueues fn and returns false once the dispatcher is closed.
func (d *Dispatcher) Submit(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	if n := len(d.queue); n > d.warnAt && !d.warned {
		d.warned = true
		d.log.Warn("coord: callback backlog over queue size", zap.Int("queued", n), zap.Int("queue_size", d.warnAt))
	}
	d.mu.Unlock()
	d.cond.Signal()
	return true
}

// Flush blocks until every task submitted before the call has run.
// It returns immediately on a closed dispatcher.
func (d *Dispatcher) Flush() {
	sentinel := make(chan struct{})
	if !d.Submit(func() { close(sentinel) }) {
		return
	}
	<-sentinel
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the worker to exit. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		batch := d.queue
		d.queue = nil
		d.warned = false
		d.mu.Unlock()

		if len(batch) == 0 {
			return // closed and drained
		}
		for _, fn := range batch {
			d.run(fn)
		}
	}
}

// run isolates a single callback: a panic is logged and counted, and the
// worker moves on to the next task.
func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.CallbackPanicked()
			d.log.Error("coord: callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
