// Package clock provides the wrapping millisecond counter the scheduler runs on.
// Readings are only meaningful relative to each other: always compare them
// through Elapsed, never with < or >.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies a monotonic millisecond count that wraps silently at 2^32.
type Clock interface {
	Millis() uint32
}

// Elapsed returns the milliseconds between since and now.
// Unsigned subtraction stays correct across a single wrap of the counter.
func Elapsed(now, since uint32) uint32 {
	return now - since
}

// Monotonic derives milliseconds from the runtime's monotonic clock.
type Monotonic struct {
	origin time.Time
	offset uint32
}

// NewMonotonic returns a clock reading 0 at the moment of the call.
func NewMonotonic() *Monotonic {
	return &Monotonic{origin: time.Now()}
}

// NewMonotonicAt returns a clock whose first reading is offset.
// Starting close to 2^32 exercises the wraparound within minutes.
func NewMonotonicAt(offset uint32) *Monotonic {
	return &Monotonic{origin: time.Now(), offset: offset}
}

// Millis returns the wrapped millisecond count.
func (m *Monotonic) Millis() uint32 {
	return m.offset + uint32(time.Since(m.origin).Milliseconds())
}

// Fake is a manually driven clock for tests. Safe for concurrent use.
type Fake struct {
	ms atomic.Uint32
}

// NewFake returns a Fake clock reading start.
func NewFake(start uint32) *Fake {
	f := &Fake{}
	f.ms.Store(start)
	return f
}

// Millis returns the current fake reading.
func (f *Fake) Millis() uint32 {
	return f.ms.Load()
}

// Set moves the clock to ms.
func (f *Fake) Set(ms uint32) {
	f.ms.Store(ms)
}

// Advance moves the clock forward by d milliseconds, wrapping like real hardware.
func (f *Fake) Advance(d uint32) {
	f.ms.Add(d)
}
