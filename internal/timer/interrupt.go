package timer

import (
	"context"
	"time"
)

// DefaultResolution is the interrupt period used when none is set.
const DefaultResolution = 50 * time.Millisecond

// Interrupt ticks a registry at a fixed period from its own goroutine, so the
// timers on that registry keep their precision however long the main loop
// takes per iteration. Choose a resolution that divides every delay on the
// registry, ideally half their highest common factor.
type Interrupt struct {
	reg        *Registry
	resolution time.Duration
}

// NewInterrupt returns a tick source for reg. A non-positive resolution
// selects DefaultResolution.
func NewInterrupt(reg *Registry, resolution time.Duration) *Interrupt {
	i := &Interrupt{reg: reg}
	i.SetResolution(resolution)
	return i
}

// SetResolution changes the tick period. It takes effect on the next Run.
func (i *Interrupt) SetResolution(d time.Duration) {
	if d <= 0 {
		d = DefaultResolution
	}
	i.resolution = d
}

func (i *Interrupt) Resolution() time.Duration { return i.resolution }

func (i *Interrupt) Registry() *Registry { return i.reg }

// Run ticks the registry every resolution until ctx is done.
func (i *Interrupt) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.reg.Tick()
		}
	}
}
