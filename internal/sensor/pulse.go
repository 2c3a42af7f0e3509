package sensor

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sweeney/sensor-node/internal/clock"
)

// Edge selects which transition of a digital input counts as a pulse.
type Edge uint8

const (
	Falling Edge = iota // high to low
	Rising              // low to high
)

func (e Edge) String() string {
	switch e {
	case Falling:
		return "falling"
	case Rising:
		return "rising"
	}
	return fmt.Sprintf("edge(%d)", uint8(e))
}

// ParseEdge accepts "falling" or "rising", case-insensitively.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "falling":
		return Falling, nil
	case "rising":
		return Rising, nil
	}
	return 0, fmt.Errorf("unknown edge %q (want falling or rising)", s)
}

// Input reads the current logic level of a digital pin (true = high).
type Input interface {
	Level() (bool, error)
}

// Pulse counts edges on a sampled digital input.
//
// Sample is meant to be called once per main-loop tick. Once an edge has been
// counted, the input is not even read again until the debounce window has
// elapsed, which rejects contact bounce and several ticks observing the same
// physical transition.
type Pulse struct {
	clk clock.Clock

	input      Input
	edge       Edge
	debounceMs uint32

	primed     bool // a level has been read since Configure
	last       bool
	edged      bool // at least one edge counted
	lastEdgeMs uint32

	count atomic.Uint32
}

// NewPulse returns an unconfigured pulse sensor reading time from clk.
func NewPulse(clk clock.Clock) *Pulse {
	return &Pulse{clk: clk}
}

// Configure sets the edge polarity, the input, and the minimum spacing between
// two counted edges. The first read after Configure only records the level.
func (p *Pulse) Configure(edge Edge, input Input, debounceMs uint32) {
	p.edge = edge
	p.input = input
	p.debounceMs = debounceMs
	p.primed = false
}

// Sample reads the input unless inside the debounce window and reports whether
// an edge was counted. A read error leaves the stored level untouched.
func (p *Pulse) Sample() (bool, error) {
	if p.input == nil {
		return false, nil
	}
	now := p.clk.Millis()
	if p.edged && clock.Elapsed(now, p.lastEdgeMs) < p.debounceMs {
		return false, nil
	}

	level, err := p.input.Level()
	if err != nil {
		return false, fmt.Errorf("pulse input: %w", err)
	}

	isEdge := false
	if p.primed {
		switch p.edge {
		case Falling:
			isEdge = p.last && !level
		case Rising:
			isEdge = !p.last && level
		}
	}
	if isEdge {
		p.count.Add(1)
		p.lastEdgeMs = now
		p.edged = true
	}
	p.last = level
	p.primed = true
	return isEdge, nil
}

// Count returns the number of edges counted so far. It only grows (modulo
// 2^32) and is safe to read from any goroutine.
func (p *Pulse) Count() uint32 {
	return p.count.Load()
}

func (p *Pulse) Edge() Edge { return p.edge }

func (p *Pulse) Debounce() uint32 { return p.debounceMs }
