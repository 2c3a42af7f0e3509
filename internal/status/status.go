// Package status provides a thread-safe status tracker for the sensor-node daemon.
// It is read by HTTP handlers and by the lifecycle events published over MQTT.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/sensor-node/internal/timer"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Node             string
	Broker           string
	TopicPrefix      string
	HTTPAddr         string
	WSBroker         string // Websocket broker URL for browser MQTT (empty = disabled)
	PollMs           int64
	ResolutionMs     int64
	StatusIntervalMs int64
}

// SensorStatus is the point-in-time view of one sensor.
type SensorStatus struct {
	ID          uint8
	Kind        string
	Unit        string
	Registry    string
	Armed       bool
	CadenceMs   uint32
	HeartbeatMs uint32
	Values      []float64 // last transmitted values
	PulseCount  *uint32   // live edge count, pulse meters only
	Sends       int
	LastSend    time.Time
	LastError   string
}

// RegistryStatus describes one timer registry.
type RegistryStatus struct {
	Name   string
	Len    int
	Cap    int
	Timers []timer.Info
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type; the slices it holds must be treated as read-only.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
	Sensors       []SensorStatus
	Registries    []RegistryStatus
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update replaces the sensor and timer views. The tracker keeps the slices;
// callers must not modify them afterwards.
func (t *Tracker) Update(sensors []SensorStatus, registries []RegistryStatus) {
	t.mu.Lock()
	t.snap.Sensors = sensors
	t.snap.Registries = registries
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
