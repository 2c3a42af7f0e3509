// Package node wires dual-period sensors to their measurement sources and to
// the reporting channel. It replaces the single-purpose state machine of a
// dedicated daemon with a registry of independently timed sensors.
package node

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sweeney/sensor-node/internal/clock"
	"github.com/sweeney/sensor-node/internal/config"
	"github.com/sweeney/sensor-node/internal/mqtt"
	"github.com/sweeney/sensor-node/internal/onewire"
	"github.com/sweeney/sensor-node/internal/sensor"
	"github.com/sweeney/sensor-node/internal/status"
	"github.com/sweeney/sensor-node/internal/timer"
)

var (
	ErrDuplicateID    = errors.New("node: sensor id already in use")
	ErrUnknownSensor  = errors.New("node: no sensor with that id")
	ErrUnknownCommand = errors.New("node: unknown command")
)

// Reporter receives readings. mqtt.Publisher satisfies it.
type Reporter interface {
	Publish(r mqtt.Reading) error
}

// Command payloads besides "ARM=0" and "ARM=1".
const CommandSend = "SEND"

// Options configures a Node. Zero values select defaults.
type Options struct {
	Clock    clock.Clock
	Now      func() time.Time
	Capacity int // timers per registry
}

// Node owns the main and interrupt registries and every sensor on them.
type Node struct {
	clk       clock.Clock
	now       func() time.Time
	reporter  Reporter
	main      *timer.Registry
	interrupt *timer.Registry

	channels []*channel
	byID     map[uint8]*channel
	pulses   []*pulseInput
}

// New returns an empty node reporting to reporter.
func New(reporter Reporter, o Options) *Node {
	if o.Clock == nil {
		o.Clock = clock.NewMonotonic()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Capacity <= 0 {
		o.Capacity = timer.DefaultCapacity
	}
	return &Node{
		clk:       o.Clock,
		now:       o.Now,
		reporter:  reporter,
		main:      timer.NewRegistry("main", o.Capacity, o.Clock),
		interrupt: timer.NewRegistry("interrupt", o.Capacity, o.Clock),
		byID:      make(map[uint8]*channel),
	}
}

// Main returns the registry ticked by Tick.
func (n *Node) Main() *timer.Registry { return n.main }

// Interrupt returns the registry meant to be driven by a timer.Interrupt.
func (n *Node) Interrupt() *timer.Registry { return n.interrupt }

// Registries returns both registries, main first.
func (n *Node) Registries() []*timer.Registry {
	return []*timer.Registry{n.main, n.interrupt}
}

type pulseInput struct {
	id    uint8
	pulse *sensor.Pulse
}

// AddPulseMeter adds a sensor reporting the edge count of input.
// With cfg.Interrupt set its timers live on the interrupt registry; the input
// itself is always sampled by Tick.
func (n *Node) AddPulseMeter(cfg config.Sensor, input sensor.Input) (*sensor.Sensor, error) {
	if err := n.claim(cfg.ID, 1); err != nil {
		return nil, err
	}

	p := sensor.NewPulse(n.clk)
	p.Configure(cfg.Edge, input, cfg.DebounceMs)

	reg := n.main
	if cfg.Interrupt {
		reg = n.interrupt
	}

	c := &channel{
		node:  n,
		kind:  string(config.KindPulse),
		unit:  "count",
		span:  1,
		pulse: p,
	}
	var last uint32
	c.measureFn = func() (bool, error) {
		count := p.Count()
		changed := count != last
		last = count
		return changed, nil
	}
	c.valuesFn = func() []float64 { return []float64{float64(last)} }

	s, err := n.register(reg, cfg, c)
	if err != nil {
		return nil, err
	}
	n.pulses = append(n.pulses, &pulseInput{id: cfg.ID, pulse: p})
	return s, nil
}

// AddThermometer adds a sensor reporting every thermometer on bus. Device i
// is published under sensor id cfg.ID+i.
func (n *Node) AddThermometer(cfg config.Sensor, bus onewire.Bus) (*sensor.Sensor, error) {
	if err := n.claim(cfg.ID, onewire.MaxDevices); err != nil {
		return nil, err
	}

	bank := onewire.NewBank(bus)
	c := &channel{
		node:      n,
		kind:      string(config.KindTemperature),
		unit:      "C",
		span:      onewire.MaxDevices,
		measureFn: bank.Measure,
		valuesFn:  bank.Values,
	}

	reg := n.main
	if cfg.Interrupt {
		reg = n.interrupt
	}
	return n.register(reg, cfg, c)
}

func (n *Node) claim(id uint8, span int) error {
	if int(id)+span-1 > 255 {
		return fmt.Errorf("sensor %d: %d ids do not fit below 256", id, span)
	}
	for k := 0; k < span; k++ {
		if _, taken := n.byID[id+uint8(k)]; taken {
			return fmt.Errorf("sensor %d: %w", id+uint8(k), ErrDuplicateID)
		}
	}
	return nil
}

func (n *Node) register(reg *timer.Registry, cfg config.Sensor, c *channel) (*sensor.Sensor, error) {
	s, err := sensor.New(reg, cfg.ID)
	if err != nil {
		return nil, err
	}
	c.sensor = s
	c.registry = reg.Name()
	c.errLog = rate.Sometimes{First: 3, Interval: time.Minute}

	s.SetRefreshOnHeartbeat(cfg.Refresh)
	if err := s.Setup(cfg.CadenceMs, cfg.HeartbeatMs, c.measure, c.send, nil); err != nil {
		return nil, fmt.Errorf("sensor %d: %w", cfg.ID, err)
	}
	if cfg.Disarmed {
		s.SetArmed(false)
	}

	for k := 0; k < c.span; k++ {
		n.byID[cfg.ID+uint8(k)] = c
	}
	n.channels = append(n.channels, c)
	log.Printf("node: %s sensor %d on %s registry: cadence=%dms heartbeat=%dms",
		c.kind, cfg.ID, c.registry, cfg.CadenceMs, cfg.HeartbeatMs)
	return s, nil
}

// Tick runs one main-loop iteration: every pulse input is sampled, then the
// main registry is ticked. It returns the number of timers that fired and the
// sampling errors, if any.
func (n *Node) Tick() (int, []error) {
	var errs []error
	for _, p := range n.pulses {
		if _, err := p.pulse.Sample(); err != nil {
			errs = append(errs, fmt.Errorf("sensor %d: %w", p.id, err))
		}
	}
	return n.main.Tick(), errs
}

// HandleCommand applies an inbound command. "ARM=0" disarms the sensor,
// "ARM=1" arms it and restarts its timers, "SEND" forces a measurement and
// transmission.
func (n *Node) HandleCommand(cmd mqtt.Command) error {
	c, ok := n.byID[cmd.SensorID]
	if !ok {
		return fmt.Errorf("sensor %d: %w", cmd.SensorID, ErrUnknownSensor)
	}
	s := c.sensor

	switch {
	case strings.HasPrefix(cmd.Payload, "ARM"):
		armed, err := sensor.ParseArmCommand(cmd.Payload)
		if err != nil {
			return fmt.Errorf("sensor %d: %w", cmd.SensorID, err)
		}
		was := s.IsArmed()
		s.SetArmed(armed)
		if armed && !was {
			s.Restart()
		}
		log.Printf("node: sensor %d armed=%t", s.ID(), armed)
		return nil

	case cmd.Payload == CommandSend:
		if !s.IsArmed() {
			log.Printf("node: sensor %d is disarmed, ignoring %s", s.ID(), CommandSend)
			return nil
		}
		c.setReason(reasonForced)
		s.MeasureAndSend(true)
		return nil
	}

	return fmt.Errorf("sensor %d: %w: %q", cmd.SensorID, ErrUnknownCommand, cmd.Payload)
}

// Statuses returns a snapshot of every sensor, ordered by id.
func (n *Node) Statuses() []status.SensorStatus {
	out := make([]status.SensorStatus, 0, len(n.channels))
	for _, c := range n.channels {
		out = append(out, c.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Timers returns the timer view of both registries.
func (n *Node) Timers() []status.RegistryStatus {
	out := make([]status.RegistryStatus, 0, 2)
	for _, reg := range n.Registries() {
		out = append(out, status.RegistryStatus{
			Name:   reg.Name(),
			Len:    reg.Len(),
			Cap:    reg.Cap(),
			Timers: reg.Infos(),
		})
	}
	return out
}

// Dump writes both registries in human-readable form.
func (n *Node) Dump(w io.Writer) {
	for _, reg := range n.Registries() {
		reg.Dump(w)
	}
}

// Sensor returns the sensor that owns id.
func (n *Node) Sensor(id uint8) (*sensor.Sensor, bool) {
	c, ok := n.byID[id]
	if !ok {
		return nil, false
	}
	return c.sensor, true
}

// PulseCount returns the edge count of the pulse meter id.
func (n *Node) PulseCount(id uint8) (uint32, bool) {
	c, ok := n.byID[id]
	if !ok || c.pulse == nil {
		return 0, false
	}
	return c.pulse.Count(), true
}
