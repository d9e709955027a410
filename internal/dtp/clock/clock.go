// Package clock provides the monotonic millisecond time source DTP headers
// are stamped with. All header timestamps are relative to this process's
// reference instant, never to wall time.
package clock

import (
	"sync/atomic"
	"time"
)

var reference atomic.Value // stores time.Time

func init() {
	reference.Store(time.Now())
}

// Reset rebases the process-wide reference instant to now. Simulation runs
// call this at start so header timestamps begin near zero.
func Reset() {
	reference.Store(time.Now())
}

// NowMS returns milliseconds elapsed since the last Reset (or process start),
// truncated to fit the 32-bit header timestamp field for a long time.
func NowMS() uint32 {
	ref := reference.Load().(time.Time)
	return uint32(time.Since(ref).Milliseconds())
}

// Clock is an injectable handle for components that should not depend on
// the process-wide register directly. The global register exists only so
// wire timestamps from different subsystems share one reference.
type Clock struct {
	start time.Time
}

// New returns a Clock rebased to now.
func New() *Clock { return &Clock{start: time.Now()} }

// NowMS returns milliseconds elapsed since c was created.
func (c *Clock) NowMS() uint32 { return uint32(time.Since(c.start).Milliseconds()) }

// Reset rebases c to now.
func (c *Clock) Reset() { c.start = time.Now() }
