// Package timer implements cooperative software timers.
//
// A Timer does not own a goroutine or a hardware counter. It records when it
// was (re)started and, each time its Registry is ticked, compares the elapsed
// milliseconds against its delay. Precision is therefore bounded by how often
// the registry is ticked: expect 1-2ms in a tight loop, tens of milliseconds
// when the loop does slow I/O.
package timer

import (
	"fmt"
	"sync/atomic"

	"github.com/sweeney/sensor-node/internal/clock"
)

// notStarted is the start timestamp of a stopped timer. A real start that
// happens to read 0 from the clock is stored as 1.
const notStarted = 0

// Callback is invoked with the context given to Setup when the timer expires.
// It runs inline on whatever goroutine ticked the registry and must return
// promptly.
type Callback func(ctx any)

// Timer is a delay, a one-shot/repeating mode and a callback.
//
// Configuration (Setup, SetDelay) is expected to happen on the goroutine that
// owns the timer. Start, Restart, Stop and the expiry check may race with an
// interrupt-driven tick: the start timestamp is the only field shared with
// that context and is accessed atomically.
type Timer struct {
	clk clock.Clock

	label   string
	delayMs uint32
	repeat  bool
	cb      Callback
	ctx     any

	startMs atomic.Uint32
}

// Info is a point-in-time view of a timer for diagnostics.
type Info struct {
	Label       string `json:"label"`
	DelayMs     uint32 `json:"delay_ms"`
	Repeat      bool   `json:"repeat"`
	Started     bool   `json:"started"`
	RemainingMs uint32 `json:"remaining_ms"`
}

// Setup stores the timer configuration. It neither starts nor stops the
// timer, except that a zero delay stops it: a disabled timer never runs.
func (t *Timer) Setup(label string, delayMs uint32, repeat bool, cb Callback, ctx any) {
	if label != "" {
		t.label = label
	}
	t.delayMs = delayMs
	t.repeat = repeat
	t.cb = cb
	t.ctx = ctx
	if delayMs == 0 {
		t.Stop()
	}
}

// SetDelay changes the delay. Zero stops the timer; anything else restarts it
// so the next expiry is delayMs from now.
func (t *Timer) SetDelay(delayMs uint32) {
	t.delayMs = delayMs
	if delayMs == 0 {
		t.Stop()
		return
	}
	t.Restart()
}

// Start rebases the deadline to now. It is a no-op on a timer whose delay is
// zero.
func (t *Timer) Start() {
	if t.delayMs == 0 {
		return
	}
	t.startMs.Store(t.stamp())
}

// Restart is identical to Start: both rebase the deadline to now whatever the
// current state.
func (t *Timer) Restart() {
	t.Start()
}

// Stop cancels the current cycle; the callback will not fire until restarted.
func (t *Timer) Stop() {
	t.startMs.Store(notStarted)
}

func (t *Timer) IsStarted() bool {
	return t.startMs.Load() != notStarted
}

// IsRunnable reports whether the timer has a nonzero delay.
func (t *Timer) IsRunnable() bool {
	return t.delayMs > 0
}

func (t *Timer) Delay() uint32 { return t.delayMs }

func (t *Timer) Label() string { return t.label }

func (t *Timer) Repeat() bool { return t.repeat }

// Remaining returns the milliseconds left before expiry: 0 for a disabled
// timer, the full delay for a stopped one, 0 for one already overdue.
func (t *Timer) Remaining() uint32 {
	if t.delayMs == 0 {
		return 0
	}
	start := t.startMs.Load()
	if start == notStarted {
		return t.delayMs
	}
	elapsed := clock.Elapsed(t.clk.Millis(), start)
	if elapsed >= t.delayMs {
		return 0
	}
	return t.delayMs - elapsed
}

// Info returns a diagnostic snapshot of the timer.
func (t *Timer) Info() Info {
	return Info{
		Label:       t.label,
		DelayMs:     t.delayMs,
		Repeat:      t.repeat,
		Started:     t.IsStarted(),
		RemainingMs: t.Remaining(),
	}
}

func (t *Timer) String() string {
	label := t.label
	if label == "" {
		label = "-"
	}
	return fmt.Sprintf("label=%s delay_ms=%d repeat=%t started=%t remaining_ms=%d",
		label, t.delayMs, t.repeat, t.IsStarted(), t.Remaining())
}

// tick fires the callback if the delay has elapsed, then stops (one-shot) or
// rebases (repeating) the timer. The final store is a compare-and-swap so a
// Stop or Restart issued meanwhile, including from the callback itself, wins.
func (t *Timer) tick() bool {
	start := t.startMs.Load()
	if start == notStarted {
		return false
	}
	if clock.Elapsed(t.clk.Millis(), start) < t.delayMs {
		return false
	}

	if t.cb != nil {
		t.cb(t.ctx)
	}

	if t.repeat {
		t.startMs.CompareAndSwap(start, t.stamp())
	} else {
		t.startMs.CompareAndSwap(start, notStarted)
	}
	return true
}

func (t *Timer) stamp() uint32 {
	now := t.clk.Millis()
	if now == notStarted {
		now = 1
	}
	return now
}
