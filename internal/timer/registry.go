package timer

import (
	"errors"
	"fmt"
	"io"

	"github.com/sweeney/sensor-node/internal/clock"
	"github.com/sweeney/sensor-node/internal/list"
)

// DefaultCapacity is the number of timers a registry holds unless told otherwise.
const DefaultCapacity = 15

// ErrRegistryFull is returned by NewTimer once the registry is at capacity.
var ErrRegistryFull = errors.New("timer: registry full")

// Registry holds every timer created through it and ticks them in creation
// order. Its capacity is fixed at construction.
type Registry struct {
	name   string
	clk    clock.Clock
	timers *list.List[*Timer]
}

// NewRegistry creates a registry for at most capacity timers driven by clk.
func NewRegistry(name string, capacity int, clk clock.Clock) *Registry {
	return &Registry{
		name:   name,
		clk:    clk,
		timers: list.New[*Timer](capacity),
	}
}

// NewTimer creates a stopped, unconfigured timer and registers it.
func (r *Registry) NewTimer() (*Timer, error) {
	t := &Timer{clk: r.clk}
	if err := r.timers.Add(t); err != nil {
		return nil, fmt.Errorf("%w: %s holds %d timers: %w", ErrRegistryFull, r.name, r.timers.Cap(), err)
	}
	return t, nil
}

// Tick checks every timer once and returns how many fired.
func (r *Registry) Tick() int {
	fired := 0
	r.timers.Each(func(_ int, t *Timer) {
		if t.tick() {
			fired++
		}
	})
	return fired
}

func (r *Registry) Name() string { return r.name }

func (r *Registry) Len() int { return r.timers.Len() }

func (r *Registry) Cap() int { return r.timers.Cap() }

// Clock returns the clock the registry's timers read.
func (r *Registry) Clock() clock.Clock { return r.clk }

// Infos returns a diagnostic snapshot of every timer in creation order.
func (r *Registry) Infos() []Info {
	infos := make([]Info, 0, r.timers.Len())
	r.timers.Each(func(_ int, t *Timer) {
		infos = append(infos, t.Info())
	})
	return infos
}

// Dump writes one human-readable line per timer.
func (r *Registry) Dump(w io.Writer) {
	fmt.Fprintf(w, "registry %s: %d/%d timers, now=%d\n", r.name, r.timers.Len(), r.timers.Cap(), r.clk.Millis())
	r.timers.Each(func(i int, t *Timer) {
		fmt.Fprintf(w, "  [%d] %s\n", i, t)
	})
}
