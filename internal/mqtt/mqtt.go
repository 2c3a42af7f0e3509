// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTopicPrefix is the first topic level for every node.
const DefaultTopicPrefix = "sensors"

// Topics builds the topic names of one node:
//
//	<prefix>/<node>/<sensor-id>/<kind>   readings
//	<prefix>/<node>/system               lifecycle events
//	<prefix>/<node>/<sensor-id>/set      inbound commands
type Topics struct {
	Prefix string
	Node   string
}

// NewTopics returns the topic set for node, defaulting the prefix.
func NewTopics(prefix, node string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix, Node: node}
}

// Reading returns the topic a sensor's values are published on.
func (t Topics) Reading(sensorID uint8, kind string) string {
	return fmt.Sprintf("%s/%s/%d/%s", t.Prefix, t.Node, sensorID, kind)
}

// System returns the lifecycle topic.
func (t Topics) System() string {
	return t.Prefix + "/" + t.Node + "/system"
}

// Commands returns the wildcard subscription for inbound commands.
func (t Topics) Commands() string {
	return t.Prefix + "/" + t.Node + "/+/set"
}

// ParseCommand extracts the sensor id from a command topic.
func (t Topics) ParseCommand(topic string) (uint8, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/"+t.Node+"/")
	if !ok {
		return 0, false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// Reading is one value handed to the reporting channel.
type Reading struct {
	Timestamp time.Time
	SensorID  uint8
	Kind      string // e.g. "pulse", "temperature"
	Value     float64
	Unit      string // e.g. "count", "C"
	Reason    string // "change", "heartbeat" or "forced"
}

// Command is an inbound message addressed to one sensor.
type Command struct {
	SensorID uint8
	Payload  string
}

// Publisher publishes readings to MQTT.
type Publisher interface {
	// Publish sends a reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(r Reading) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// CommandSource delivers inbound commands. The handler may be called from any
// goroutine.
type CommandSource interface {
	OnCommand(handler func(Command))
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Reading ReadingPayload `json:"reading"`
}

// ReadingPayload contains the reading details.
type ReadingPayload struct {
	Timestamp string  `json:"timestamp"`
	Sensor    uint8   `json:"sensor"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// FormatPayload creates the JSON payload for a reading.
func FormatPayload(r Reading) ([]byte, error) {
	payload := Payload{
		Reading: ReadingPayload{
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Sensor:    r.SensorID,
			Kind:      r.Kind,
			Value:     r.Value,
			Unit:      r.Unit,
			Reason:    r.Reason,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (the OFFLINE will) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
