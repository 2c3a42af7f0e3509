// Package config loads the node description from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"

	"github.com/sweeney/sensor-node/internal/gpio"
	"github.com/sweeney/sensor-node/internal/onewire"
	"github.com/sweeney/sensor-node/internal/sensor"
)

// Kind selects the measurement source of a sensor.
type Kind string

const (
	KindPulse       Kind = "pulse"
	KindTemperature Kind = "temperature"
)

// Node-level defaults.
const (
	DefaultNode           = "sensor-node"
	DefaultBroker         = "tcp://192.168.1.200:1883"
	DefaultHTTP           = ":80"
	DefaultWSBroker       = "=broker"
	DefaultPoll           = 10 * time.Millisecond
	DefaultResolution     = 50 * time.Millisecond
	DefaultStatusInterval = 15 * time.Minute
)

// Per-kind sensor defaults.
const (
	DefaultPulseDebounce        = 20 * time.Millisecond
	DefaultPulseCadence         = 10 * time.Second
	DefaultPulseHeartbeat       = 5 * time.Minute
	DefaultTemperatureCadence   = time.Minute
	DefaultTemperatureHeartbeat = 30 * time.Minute
)

// Config is the validated node description.
type Config struct {
	Node           string
	Broker         string
	TopicPrefix    string
	HTTP           string
	WSBroker       string
	Poll           time.Duration
	Resolution     time.Duration
	StatusInterval time.Duration
	Sensors        []Sensor
}

// Sensor describes one dual-period sensor.
type Sensor struct {
	ID          uint8
	Kind        Kind
	CadenceMs   uint32
	HeartbeatMs uint32
	Refresh     bool // measure again before a heartbeat resend
	Disarmed    bool

	// pulse
	Chip       string
	Pin        int
	Edge       sensor.Edge
	DebounceMs uint32
	Interrupt  bool // cadence and heartbeat timers on the interrupt registry

	// temperature
	Devices string
}

type rawConfig struct {
	Node           string      `yaml:"node"`
	Broker         string      `yaml:"broker"`
	TopicPrefix    string      `yaml:"topic_prefix"`
	HTTP           *string     `yaml:"http"`
	WSBroker       string      `yaml:"ws_broker"`
	Poll           string      `yaml:"poll"`
	Resolution     string      `yaml:"resolution"`
	StatusInterval string      `yaml:"status_interval"`
	Sensors        []rawSensor `yaml:"sensors"`
}

type rawSensor struct {
	ID        *int   `yaml:"id"`
	Kind      string `yaml:"kind"`
	Cadence   string `yaml:"cadence"`
	Heartbeat string `yaml:"heartbeat"`
	Refresh   bool   `yaml:"refresh"`
	Disarmed  bool   `yaml:"disarmed"`
	Chip      string `yaml:"chip"`
	Pin       *int   `yaml:"pin"`
	Edge      string `yaml:"edge"`
	Debounce  string `yaml:"debounce"`
	Interrupt bool   `yaml:"interrupt"`
	Devices   string `yaml:"devices"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Node:           DefaultNode,
		Broker:         DefaultBroker,
		HTTP:           DefaultHTTP,
		WSBroker:       DefaultWSBroker,
		Poll:           DefaultPoll,
		Resolution:     DefaultResolution,
		StatusInterval: DefaultStatusInterval,
	}
}

// Load reads and parses the file at path.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}

	cfg := Default()
	if raw.Node != "" {
		cfg.Node = raw.Node
	}
	if strings.ContainsAny(cfg.Node, "/+#") {
		return nil, fmt.Errorf("node: %q must not contain MQTT topic separators or wildcards", cfg.Node)
	}
	if raw.Broker != "" {
		cfg.Broker = raw.Broker
	}
	cfg.TopicPrefix = raw.TopicPrefix
	if raw.HTTP != nil {
		cfg.HTTP = *raw.HTTP
	}
	if raw.WSBroker != "" {
		cfg.WSBroker = raw.WSBroker
	}

	var err error
	if cfg.Poll, err = ParseDurationOrDefault("poll", raw.Poll, DefaultPoll); err != nil {
		return nil, err
	}
	if cfg.Poll == 0 {
		return nil, fmt.Errorf("poll: must be > 0")
	}
	if cfg.Resolution, err = ParseDurationOrDefault("resolution", raw.Resolution, DefaultResolution); err != nil {
		return nil, err
	}
	if cfg.Resolution == 0 {
		return nil, fmt.Errorf("resolution: must be > 0")
	}
	if cfg.StatusInterval, err = ParseDurationOrDefault("status_interval", raw.StatusInterval, DefaultStatusInterval); err != nil {
		return nil, err
	}

	seen := make(map[uint8]int)
	for i, rs := range raw.Sensors {
		path := fmt.Sprintf("sensors[%d]", i)
		s, err := parseSensor(path, rs)
		if err != nil {
			return nil, err
		}
		// A thermometer bank claims one id per possible device.
		span := 1
		if s.Kind == KindTemperature {
			span = onewire.MaxDevices
		}
		for k := 0; k < span; k++ {
			id := int(s.ID) + k
			if id > 255 {
				return nil, fmt.Errorf("%s.id: %d leaves no room for %d devices", path, s.ID, span)
			}
			if prev, dup := seen[uint8(id)]; dup {
				return nil, fmt.Errorf("%s.id: %d overlaps sensors[%d]", path, id, prev)
			}
			seen[uint8(id)] = i
		}
		cfg.Sensors = append(cfg.Sensors, s)
	}

	return cfg, nil
}

func parseSensor(path string, rs rawSensor) (Sensor, error) {
	var s Sensor
	if rs.ID == nil {
		return s, fmt.Errorf("%s.id: required", path)
	}
	if *rs.ID < 0 || *rs.ID > 255 {
		return s, fmt.Errorf("%s.id: %d out of range 0..255", path, *rs.ID)
	}
	s.ID = uint8(*rs.ID)
	s.Kind = Kind(strings.ToLower(strings.TrimSpace(rs.Kind)))
	s.Refresh = rs.Refresh
	s.Disarmed = rs.Disarmed

	var cadenceDef, heartbeatDef time.Duration
	switch s.Kind {
	case KindPulse:
		cadenceDef, heartbeatDef = DefaultPulseCadence, DefaultPulseHeartbeat
		if rs.Pin == nil {
			return s, fmt.Errorf("%s.pin: required for pulse sensors", path)
		}
		if *rs.Pin < 0 {
			return s, fmt.Errorf("%s.pin: %d must be >= 0", path, *rs.Pin)
		}
		s.Pin = *rs.Pin
		s.Chip = rs.Chip
		if s.Chip == "" {
			s.Chip = gpio.DefaultChip
		}
		edge := rs.Edge
		if edge == "" {
			edge = sensor.Falling.String()
		}
		e, err := sensor.ParseEdge(edge)
		if err != nil {
			return s, fmt.Errorf("%s.edge: %w", path, err)
		}
		s.Edge = e
		debounce, err := ParseDurationOrDefault(path+".debounce", rs.Debounce, DefaultPulseDebounce)
		if err != nil {
			return s, err
		}
		if s.DebounceMs, err = millis(path+".debounce", debounce); err != nil {
			return s, err
		}
		s.Interrupt = rs.Interrupt
	case KindTemperature:
		cadenceDef, heartbeatDef = DefaultTemperatureCadence, DefaultTemperatureHeartbeat
		s.Devices = rs.Devices
		if s.Devices == "" {
			s.Devices = onewire.DefaultDevicesDir
		}
		if rs.Pin != nil || rs.Edge != "" || rs.Debounce != "" || rs.Interrupt {
			return s, fmt.Errorf("%s: pin, edge, debounce and interrupt apply to pulse sensors only", path)
		}
	case "":
		return s, fmt.Errorf("%s.kind: required", path)
	default:
		return s, fmt.Errorf("%s.kind: unknown kind %q", path, rs.Kind)
	}

	cadence, err := ParseDurationOrDefault(path+".cadence", rs.Cadence, cadenceDef)
	if err != nil {
		return s, err
	}
	heartbeat, err := ParseDurationOrDefault(path+".heartbeat", rs.Heartbeat, heartbeatDef)
	if err != nil {
		return s, err
	}
	if s.CadenceMs, err = millis(path+".cadence", cadence); err != nil {
		return s, err
	}
	if s.HeartbeatMs, err = millis(path+".heartbeat", heartbeat); err != nil {
		return s, err
	}
	if s.CadenceMs != 0 && s.HeartbeatMs != 0 && s.HeartbeatMs < s.CadenceMs {
		return s, fmt.Errorf("%s.heartbeat: %w (heartbeat %v, cadence %v)", path, sensor.ErrHeartbeatTooShort, heartbeat, cadence)
	}
	return s, nil
}
