// Package clock abstracts the time source used for TTLs and node timestamps
// so tests can drive time deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock provides time in UnixNano.
type Clock interface{ NowUnixNano() int64 }

// System reads the monotonic clock, offset so values line up with Unix
// time at process start. Wall clock jumps do not move it.
type System struct{}

var (
	epoch     = time.Now()
	epochNano = epoch.UnixNano()
)

func (System) NowUnixNano() int64 { return epochNano + int64(time.Since(epoch)) }

// Millis converts a Clock reading to milliseconds since the epoch.
func Millis(c Clock) int64 { return c.NowUnixNano() / int64(time.Millisecond) }

// Fake is a manually advanced clock. Safe for concurrent use.
type Fake struct{ t atomic.Int64 }

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	f := &Fake{}
	f.t.Store(start.UnixNano())
	return f
}

func (f *Fake) NowUnixNano() int64 { return f.t.Load() }

// Add moves the clock forward by d.
func (f *Fake) Add(d time.Duration) { f.t.Add(int64(d)) }
