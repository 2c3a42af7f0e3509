package timer

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sweeney/sensor-node/internal/clock"
)

func newTestTimer(t *testing.T, start uint32) (*Registry, *Timer, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	reg := NewRegistry("test", DefaultCapacity, clk)
	tm, err := reg.NewTimer()
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	return reg, tm, clk
}

func counter(n *int) Callback {
	return func(any) { *n++ }
}

func TestFiresAtFirstTickPastDelay(t *testing.T) {
	for _, delay := range []uint32{1, 7, 100, 1000} {
		reg, tm, clk := newTestTimer(t, 500)
		fired := 0
		tm.Setup("t", delay, false, counter(&fired), nil)
		tm.Start()

		for elapsed := uint32(0); elapsed < delay; elapsed++ {
			reg.Tick()
			if fired != 0 {
				t.Fatalf("delay %d: fired early at elapsed %d", delay, elapsed)
			}
			clk.Advance(1)
		}
		reg.Tick()
		if fired != 1 {
			t.Fatalf("delay %d: expected fire at elapsed %d, fired=%d", delay, delay, fired)
		}
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 10)
	fired := 0
	tm.Setup("once", 100, false, counter(&fired), nil)
	tm.Start()

	for i := 0; i < 50; i++ {
		clk.Advance(50)
		reg.Tick()
	}
	if fired != 1 {
		t.Errorf("expected one-shot to fire once, fired %d times", fired)
	}
	if tm.IsStarted() {
		t.Error("one-shot should be stopped after firing")
	}

	tm.Restart()
	clk.Advance(100)
	reg.Tick()
	if fired != 2 {
		t.Errorf("expected second fire after explicit restart, got %d", fired)
	}
}

func TestRepeatingFiresEveryDelay(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	var firedAt []uint32
	tm.Setup("repeat", 250, true, func(any) { firedAt = append(firedAt, clk.Millis()) }, nil)
	tm.Start()

	for i := 0; i < 1000; i++ {
		clk.Advance(1)
		reg.Tick()
	}
	if len(firedAt) != 4 {
		t.Fatalf("expected 4 fires in 1000ms, got %d (%v)", len(firedAt), firedAt)
	}
	for i, at := range firedAt {
		want := uint32(1 + 250*(i+1))
		if at != want {
			t.Errorf("fire %d at %d, want %d", i, at, want)
		}
	}
	if !tm.IsStarted() {
		t.Error("repeating timer should still be started")
	}
}

func TestStopBeforeExpiry(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	fired := 0
	tm.Setup("stop", 100, true, counter(&fired), nil)
	tm.Start()

	clk.Advance(99)
	reg.Tick()
	tm.Stop()
	clk.Advance(500)
	reg.Tick()

	if fired != 0 {
		t.Errorf("stopped timer fired %d times", fired)
	}
}

func TestZeroDelayNeverRuns(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	fired := 0
	tm.Setup("disabled", 0, true, counter(&fired), nil)
	tm.Start()

	if tm.IsStarted() {
		t.Error("zero-delay timer must not start")
	}
	if tm.IsRunnable() {
		t.Error("zero-delay timer must not be runnable")
	}
	clk.Advance(10)
	reg.Tick()
	if fired != 0 {
		t.Errorf("disabled timer fired %d times", fired)
	}
}

func TestSetupZeroDelayStopsRunningTimer(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	fired := 0
	tm.Setup("t", 10, true, counter(&fired), nil)
	tm.Start()

	tm.Setup("t", 0, true, counter(&fired), nil)
	clk.Advance(100)
	reg.Tick()

	if tm.IsStarted() || fired != 0 {
		t.Errorf("expected reconfigured zero-delay timer to be stopped, started=%v fired=%d", tm.IsStarted(), fired)
	}
}

func TestSetupKeepsRunningState(t *testing.T) {
	_, tm, _ := newTestTimer(t, 1)
	tm.Setup("a", 10, true, nil, nil)
	if tm.IsStarted() {
		t.Fatal("Setup must not start the timer")
	}
	tm.Start()
	tm.Setup("b", 20, true, nil, nil)
	if !tm.IsStarted() {
		t.Error("Setup must not stop a running timer")
	}
	if tm.Label() != "b" || tm.Delay() != 20 {
		t.Errorf("unexpected config after Setup: label=%q delay=%d", tm.Label(), tm.Delay())
	}
}

func TestSetDelay(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	fired := 0
	tm.Setup("t", 100, true, counter(&fired), nil)
	tm.Start()

	clk.Advance(90)
	tm.SetDelay(50)
	clk.Advance(20)
	reg.Tick()
	if fired != 0 {
		t.Fatal("SetDelay should rebase the deadline to now")
	}
	clk.Advance(30)
	reg.Tick()
	if fired != 1 {
		t.Fatalf("expected fire 50ms after SetDelay, fired=%d", fired)
	}

	tm.SetDelay(0)
	if tm.IsStarted() {
		t.Error("SetDelay(0) should stop the timer")
	}
}

func TestStartAtClockZero(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 0)
	fired := 0
	tm.Setup("zero", 5, false, counter(&fired), nil)
	tm.Start()

	if !tm.IsStarted() {
		t.Fatal("timer started at clock 0 must report started")
	}
	clk.Advance(5)
	reg.Tick()
	if fired != 0 {
		// started is stored as 1, so the 5ms deadline is at clock 6
		t.Fatalf("fired one millisecond early")
	}
	clk.Advance(1)
	reg.Tick()
	if fired != 1 {
		t.Errorf("expected fire at clock 6, fired=%d", fired)
	}
}

func TestClockWraparound(t *testing.T) {
	reg, tm, clk := newTestTimer(t, math.MaxUint32-49)
	fired := 0
	tm.Setup("wrap", 100, false, counter(&fired), nil)
	tm.Start()

	clk.Advance(99) // now wrapped to 49
	reg.Tick()
	if fired != 0 {
		t.Fatal("fired before delay across wrap")
	}
	if rem := tm.Remaining(); rem != 1 {
		t.Errorf("Remaining across wrap = %d, want 1", rem)
	}
	clk.Advance(1)
	reg.Tick()
	if fired != 1 {
		t.Errorf("expected fire at exactly 100ms across wrap, fired=%d", fired)
	}
}

func TestRemaining(t *testing.T) {
	_, tm, clk := newTestTimer(t, 1000)

	if got := tm.Remaining(); got != 0 {
		t.Errorf("unconfigured Remaining = %d, want 0", got)
	}
	tm.Setup("r", 300, false, nil, nil)
	if got := tm.Remaining(); got != 300 {
		t.Errorf("stopped Remaining = %d, want 300", got)
	}
	tm.Start()
	clk.Advance(120)
	if got := tm.Remaining(); got != 180 {
		t.Errorf("running Remaining = %d, want 180", got)
	}
	clk.Advance(500)
	if got := tm.Remaining(); got != 0 {
		t.Errorf("overdue Remaining = %d, want 0", got)
	}
}

func TestCallbackReceivesContext(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	var got any
	tm.Setup("ctx", 1, false, func(ctx any) { got = ctx }, "payload")
	tm.Start()
	clk.Advance(1)
	reg.Tick()
	if got != "payload" {
		t.Errorf("callback context = %v, want payload", got)
	}
}

func TestNilCallbackStillCycles(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	tm.Setup("nil", 10, false, nil, nil)
	tm.Start()
	clk.Advance(10)
	if n := reg.Tick(); n != 1 {
		t.Errorf("expected 1 expiry, got %d", n)
	}
	if tm.IsStarted() {
		t.Error("one-shot with nil callback should stop after expiry")
	}
}

func TestCallbackStopWins(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	tm.Setup("self-stop", 10, true, func(any) { tm.Stop() }, nil)
	tm.Start()
	clk.Advance(10)
	reg.Tick()
	if tm.IsStarted() {
		t.Error("repeating timer stopped by its own callback must stay stopped")
	}
}

func TestCallbackRestartWins(t *testing.T) {
	reg, tm, clk := newTestTimer(t, 1)
	tm.Setup("self-restart", 10, false, func(any) {
		clk.Advance(3)
		tm.Restart()
	}, nil)
	tm.Start()
	clk.Advance(10)
	reg.Tick()
	if !tm.IsStarted() {
		t.Fatal("one-shot restarted by its callback must stay started")
	}
	if got := tm.Remaining(); got != 10 {
		t.Errorf("Remaining after self-restart = %d, want 10", got)
	}
}

func TestRegistryFull(t *testing.T) {
	reg := NewRegistry("small", 2, clock.NewFake(1))
	for i := 0; i < 2; i++ {
		if _, err := reg.NewTimer(); err != nil {
			t.Fatalf("NewTimer %d: %v", i, err)
		}
	}
	_, err := reg.NewTimer()
	if !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
	if reg.Len() != 2 || reg.Cap() != 2 {
		t.Errorf("len/cap = %d/%d, want 2/2", reg.Len(), reg.Cap())
	}
}

func TestRegistryTicksInCreationOrder(t *testing.T) {
	clk := clock.NewFake(1)
	reg := NewRegistry("order", 4, clk)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		tm, _ := reg.NewTimer()
		name := name
		tm.Setup(name, 10, false, func(any) { order = append(order, name) }, nil)
		tm.Start()
	}
	clk.Advance(10)
	if n := reg.Tick(); n != 3 {
		t.Errorf("expected 3 fired, got %d", n)
	}
	if strings.Join(order, ",") != "first,second,third" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestRegistryDumpAndInfos(t *testing.T) {
	clk := clock.NewFake(100)
	reg := NewRegistry("main", 3, clk)
	a, _ := reg.NewTimer()
	a.Setup("cadence #1", 1000, true, nil, nil)
	a.Start()
	b, _ := reg.NewTimer()
	b.Setup("", 0, false, nil, nil)
	clk.Advance(400)

	var buf bytes.Buffer
	reg.Dump(&buf)
	out := buf.String()
	for _, want := range []string{"registry main: 2/3 timers", "[0] label=cadence #1 delay_ms=1000", "remaining_ms=600", "[1] label=- delay_ms=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}

	infos := reg.Infos()
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	if !infos[0].Started || infos[0].RemainingMs != 600 || !infos[0].Repeat {
		t.Errorf("unexpected info[0]: %+v", infos[0])
	}
	if infos[1].Started || infos[1].DelayMs != 0 {
		t.Errorf("unexpected info[1]: %+v", infos[1])
	}
}
