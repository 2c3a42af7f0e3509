// Package sensor coordinates measurement and transmission on top of the
// cooperative timers.
//
// A Sensor runs two repeating timers. The cadence timer bounds how often a
// measurement is taken: each expiry measures, and transmits only if the value
// changed. The heartbeat timer bounds how long a value may go unreported: each
// expiry resends the last value unconditionally. Every transmission pushes the
// other timer's deadline back, so a change-driven send postpones the next
// heartbeat and a heartbeat postpones the next measurement.
package sensor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sweeney/sensor-node/internal/timer"
)

// Configuration errors. They are returned, never raised, and leave the
// previous configuration in place.
var (
	ErrHeartbeatTooShort = errors.New("sensor: heartbeat period shorter than cadence period")
	ErrCadenceTooLong    = errors.New("sensor: cadence period longer than heartbeat period")
	ErrMalformedArm      = errors.New("sensor: malformed arm command")
)

// MeasureFunc takes a measurement, stores it, and reports whether it differs
// from the previously stored one.
type MeasureFunc func(ctx any) bool

// SendFunc hands the last stored measurement to the reporting channel.
// Failures are the SendFunc's own business.
type SendFunc func(ctx any)

// Sensor is a measurement source driven by a cadence and a heartbeat timer.
type Sensor struct {
	id    uint8
	armed atomic.Bool

	cadence   *timer.Timer
	heartbeat *timer.Timer

	measure MeasureFunc
	send    SendFunc
	ctx     any

	refreshOnHeartbeat bool
}

// New creates an armed sensor whose two timers are registered on reg.
// The id must be unique within the node; this is not checked.
func New(reg *timer.Registry, id uint8) (*Sensor, error) {
	cadence, err := reg.NewTimer()
	if err != nil {
		return nil, fmt.Errorf("sensor %d cadence timer: %w", id, err)
	}
	heartbeat, err := reg.NewTimer()
	if err != nil {
		return nil, fmt.Errorf("sensor %d heartbeat timer: %w", id, err)
	}

	s := &Sensor{
		id:        id,
		cadence:   cadence,
		heartbeat: heartbeat,
	}
	s.armed.Store(true)
	return s, nil
}

// Setup records the callbacks and configures both timers, starting them if
// the sensor is armed.
// The two periods are validated together, so Setup may move both periods
// past each other in one call. A zero period disables that timer.
func (s *Sensor) Setup(cadenceMs, heartbeatMs uint32, measure MeasureFunc, send SendFunc, ctx any) error {
	if cadenceMs != 0 && heartbeatMs != 0 && heartbeatMs < cadenceMs {
		return ErrHeartbeatTooShort
	}
	s.measure = measure
	s.send = send
	s.ctx = ctx

	s.setupCadence(cadenceMs)
	s.setupHeartbeat(heartbeatMs)
	return nil
}

// SetCadencePeriod sets the minimum interval between measurements and
// restarts the cadence timer if the sensor is armed.
func (s *Sensor) SetCadencePeriod(delayMs uint32) error {
	heartbeat := s.heartbeat.Delay()
	if delayMs != 0 && heartbeat != 0 && delayMs > heartbeat {
		return ErrCadenceTooLong
	}
	s.setupCadence(delayMs)
	return nil
}

// SetHeartbeatPeriod sets the maximum interval between transmissions and
// restarts the heartbeat timer if the sensor is armed.
func (s *Sensor) SetHeartbeatPeriod(delayMs uint32) error {
	cadence := s.cadence.Delay()
	if delayMs != 0 && cadence != 0 && delayMs < cadence {
		return ErrHeartbeatTooShort
	}
	s.setupHeartbeat(delayMs)
	return nil
}

func (s *Sensor) setupCadence(delayMs uint32) {
	s.cadence.Setup(fmt.Sprintf("cadence #%d", s.id), delayMs, true, onCadence, s)
	s.rearm(s.cadence)
}

func (s *Sensor) setupHeartbeat(delayMs uint32) {
	s.heartbeat.Setup(fmt.Sprintf("heartbeat #%d", s.id), delayMs, true, onHeartbeat, s)
	s.rearm(s.heartbeat)
}

// rearm restarts t only while the sensor is armed. A disarm racing the
// restart is caught by the second check, so an unarmed sensor never keeps a
// running timer.
func (s *Sensor) rearm(t *timer.Timer) {
	if !s.IsArmed() {
		return
	}
	t.Restart()
	if !s.IsArmed() {
		t.Stop()
	}
}

func onCadence(ctx any) {
	ctx.(*Sensor).MeasureAndSend(false)
}

func onHeartbeat(ctx any) {
	s := ctx.(*Sensor)
	if s.refreshOnHeartbeat && s.measure != nil && s.IsArmed() {
		s.measure(s.ctx)
	}
	s.Send()
}

// MeasureAndSend takes a measurement and, if it changed or force is set,
// transmits it and pushes back the heartbeat deadline. It reports whether a
// transmission happened. Nothing happens while the sensor is unarmed.
func (s *Sensor) MeasureAndSend(force bool) bool {
	if !s.IsArmed() {
		return false
	}
	changed := false
	if s.measure != nil {
		changed = s.measure(s.ctx)
	}
	if !changed && !force {
		return false
	}
	if !s.IsArmed() {
		return false
	}
	s.transmit()
	s.rearm(s.heartbeat)
	return true
}

// Send transmits the last stored measurement and pushes back the cadence
// deadline. Nothing happens while the sensor is unarmed.
func (s *Sensor) Send() {
	if !s.IsArmed() {
		return
	}
	s.transmit()
	s.rearm(s.cadence)
}

func (s *Sensor) transmit() {
	if s.send != nil {
		s.send(s.ctx)
	}
}

// SetRefreshOnHeartbeat makes heartbeat expiries take a fresh measurement
// before resending. By default the heartbeat resends the last stored value.
func (s *Sensor) SetRefreshOnHeartbeat(refresh bool) {
	s.refreshOnHeartbeat = refresh
}

// SetArmed arms or disarms the sensor. Disarming stops both timers but keeps
// their configuration. Arming does not restart them: call Restart once armed.
func (s *Sensor) SetArmed(armed bool) {
	was := s.armed.Swap(armed)
	if was && !armed {
		s.cadence.Stop()
		s.heartbeat.Stop()
	}
}

// SetArmedCommand applies a command of the exact form "ARM=0" or "ARM=1".
// Anything else returns ErrMalformedArm and changes nothing.
func (s *Sensor) SetArmedCommand(cmd string) error {
	armed, err := ParseArmCommand(cmd)
	if err != nil {
		return err
	}
	s.SetArmed(armed)
	return nil
}

// ParseArmCommand parses "ARM=0" or "ARM=1".
func ParseArmCommand(cmd string) (bool, error) {
	if len(cmd) != len("ARM=0") || cmd[:4] != "ARM=" {
		return false, fmt.Errorf("%w: %q", ErrMalformedArm, cmd)
	}
	switch cmd[4] {
	case '0':
		return false, nil
	case '1':
		return true, nil
	}
	return false, fmt.Errorf("%w: %q", ErrMalformedArm, cmd)
}

// Restart restarts both timers. A disabled (zero period) timer stays stopped,
// and nothing restarts while the sensor is unarmed.
func (s *Sensor) Restart() {
	s.rearm(s.cadence)
	s.rearm(s.heartbeat)
}

func (s *Sensor) ID() uint8 { return s.id }

func (s *Sensor) IsArmed() bool { return s.armed.Load() }

// CadencePeriod returns the configured minimum interval between measurements.
func (s *Sensor) CadencePeriod() uint32 { return s.cadence.Delay() }

// HeartbeatPeriod returns the configured maximum interval between transmissions.
func (s *Sensor) HeartbeatPeriod() uint32 { return s.heartbeat.Delay() }

func (s *Sensor) CadenceTimer() *timer.Timer { return s.cadence }

func (s *Sensor) HeartbeatTimer() *timer.Timer { return s.heartbeat }
