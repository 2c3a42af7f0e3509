package node

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sweeney/sensor-node/internal/mqtt"
	"github.com/sweeney/sensor-node/internal/sensor"
	"github.com/sweeney/sensor-node/internal/status"
)

// Why a reading was transmitted.
const (
	reasonChange    = "change"
	reasonHeartbeat = "heartbeat"
	reasonForced    = "forced"
)

// channel binds one sensor to its measurement source. measure and send run on
// whichever goroutine ticks the sensor's registry; status reads from another.
type channel struct {
	node     *Node
	sensor   *sensor.Sensor
	registry string
	kind     string
	unit     string
	span     int // consecutive ids reported by this channel
	pulse    *sensor.Pulse

	measureFn func() (bool, error)
	valuesFn  func() []float64
	errLog    rate.Sometimes

	mu       sync.Mutex
	reason   string
	sent     []float64
	sends    int
	lastSend time.Time
	lastErr  string
}

func (c *channel) setReason(r string) {
	c.mu.Lock()
	c.reason = r
	c.mu.Unlock()
}

func (c *channel) measure(any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed, err := c.measureFn()
	if err != nil {
		c.lastErr = err.Error()
		c.errLog.Do(func() {
			log.Printf("node: sensor %d measure error: %v", c.sensor.ID(), err)
		})
	} else {
		c.lastErr = ""
	}
	if changed {
		c.reason = reasonChange
	}
	return changed
}

func (c *channel) send(any) {
	c.mu.Lock()
	reason := c.reason
	if reason == "" {
		reason = reasonHeartbeat
	}
	c.reason = ""
	values := c.valuesFn()
	t := c.node.now()
	c.sent = values
	c.sends++
	c.lastSend = t
	c.mu.Unlock()

	id := c.sensor.ID()
	for i, v := range values {
		r := mqtt.Reading{
			Timestamp: t,
			SensorID:  id + uint8(i),
			Kind:      c.kind,
			Value:     v,
			Unit:      c.unit,
			Reason:    reason,
		}
		if err := c.node.reporter.Publish(r); err != nil {
			log.Printf("node: sensor %d publish error: %v", r.SensorID, err)
			// Don't stop the scheduler on publish failure
		}
	}
}

func (c *channel) status() status.SensorStatus {
	s := c.sensor
	st := status.SensorStatus{
		ID:          s.ID(),
		Kind:        c.kind,
		Unit:        c.unit,
		Registry:    c.registry,
		Armed:       s.IsArmed(),
		CadenceMs:   s.CadencePeriod(),
		HeartbeatMs: s.HeartbeatPeriod(),
	}
	if c.pulse != nil {
		count := c.pulse.Count()
		st.PulseCount = &count
	}

	c.mu.Lock()
	st.Values = append([]float64(nil), c.sent...)
	st.Sends = c.sends
	st.LastSend = c.lastSend
	st.LastError = c.lastErr
	c.mu.Unlock()
	return st
}
