package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/sensor-node/internal/timer"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Node          string         `json:"node"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Sensors       []SensorJSON   `json:"sensors"`
	Timers        []RegistryJSON `json:"timers,omitempty"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// SensorJSON is the JSON representation of one sensor.
type SensorJSON struct {
	ID          uint8     `json:"id"`
	Kind        string    `json:"kind"`
	Unit        string    `json:"unit,omitempty"`
	Registry    string    `json:"registry"`
	Armed       bool      `json:"armed"`
	CadenceMs   uint32    `json:"cadence_ms"`
	HeartbeatMs uint32    `json:"heartbeat_ms"`
	Values      []float64 `json:"values"`
	PulseCount  *uint32   `json:"pulse_count,omitempty"`
	Sends       int       `json:"sends"`
	LastSend    string    `json:"last_send,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// RegistryJSON is the JSON representation of a timer registry.
type RegistryJSON struct {
	Name   string       `json:"name"`
	Len    int          `json:"len"`
	Cap    int          `json:"cap"`
	Timers []timer.Info `json:"timers"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TopicPrefix      string `json:"topic_prefix,omitempty"`
	PollMs           int64  `json:"poll_ms"`
	ResolutionMs     int64  `json:"resolution_ms"`
	StatusIntervalMs int64  `json:"status_interval_ms"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
	WSBroker         string `json:"ws_broker,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Node:          snap.Config.Node,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sensors:       make([]SensorJSON, 0, len(snap.Sensors)),
		Config: ConfigJSON{
			TopicPrefix:      snap.Config.TopicPrefix,
			PollMs:           snap.Config.PollMs,
			ResolutionMs:     snap.Config.ResolutionMs,
			StatusIntervalMs: snap.Config.StatusIntervalMs,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
			WSBroker:         snap.Config.WSBroker,
		},
	}

	for _, s := range snap.Sensors {
		sj := SensorJSON{
			ID:          s.ID,
			Kind:        s.Kind,
			Unit:        s.Unit,
			Registry:    s.Registry,
			Armed:       s.Armed,
			CadenceMs:   s.CadenceMs,
			HeartbeatMs: s.HeartbeatMs,
			Values:      s.Values,
			PulseCount:  s.PulseCount,
			Sends:       s.Sends,
			LastError:   s.LastError,
		}
		if sj.Values == nil {
			sj.Values = []float64{}
		}
		if !s.LastSend.IsZero() {
			sj.LastSend = s.LastSend.UTC().Format(time.RFC3339)
		}
		inner.Sensors = append(inner.Sensors, sj)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

func buildTimers(snap Snapshot, inner *StatusInner) {
	for _, r := range snap.Registries {
		timers := r.Timers
		if timers == nil {
			timers = []timer.Info{}
		}
		inner.Timers = append(inner.Timers, RegistryJSON{Name: r.Name, Len: r.Len, Cap: r.Cap, Timers: timers})
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	buildTimers(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
// Timer details are left out to keep the message small.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
