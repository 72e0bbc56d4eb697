package coord

// Metrics receives client-level observability signals.
// metrics/prom.CoordAdapter exports them to Prometheus.
type Metrics interface {
	// Op is called once per client operation with its outcome.
	Op(op string, err error)
	// WatchFired is called for every watch handed to the dispatcher.
	WatchFired(t EventType)
	// CallbackPanicked is called when a dispatched callback panics.
	CallbackPanicked()
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Op(string, error)     {}
func (NoopMetrics) WatchFired(EventType) {}
func (NoopMetrics) CallbackPanicked()    {}

var _ Metrics = NoopMetrics{}
