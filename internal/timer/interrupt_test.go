package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/sensor-node/internal/clock"
)

func TestInterruptDefaultResolution(t *testing.T) {
	i := NewInterrupt(NewRegistry("isr", 1, clock.NewFake(1)), 0)
	if i.Resolution() != DefaultResolution {
		t.Errorf("resolution = %v, want %v", i.Resolution(), DefaultResolution)
	}
	i.SetResolution(10 * time.Millisecond)
	if i.Resolution() != 10*time.Millisecond {
		t.Errorf("resolution = %v, want 10ms", i.Resolution())
	}
}

func TestInterruptTicksRegistry(t *testing.T) {
	clk := clock.NewFake(1)
	reg := NewRegistry("isr", 1, clk)
	tm, _ := reg.NewTimer()

	fired := make(chan struct{}, 1)
	tm.Setup("isr", 20, false, func(any) { fired <- struct{}{} }, nil)
	tm.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewInterrupt(reg, time.Millisecond).Run(ctx) }()

	// Stop/Start from this goroutine while the interrupt goroutine ticks.
	tm.Stop()
	tm.Start()
	clk.Advance(20)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer on interrupt registry never fired")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if tm.IsStarted() {
		t.Error("one-shot should be stopped after firing")
	}
}
