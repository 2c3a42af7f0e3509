// Command sensor-node samples pulse meters and thermometers and reports their
// readings to MQTT, each sensor on its own cadence and heartbeat.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/sweeney/sensor-node/internal/clock"
	"github.com/sweeney/sensor-node/internal/config"
	"github.com/sweeney/sensor-node/internal/gpio"
	"github.com/sweeney/sensor-node/internal/mqtt"
	"github.com/sweeney/sensor-node/internal/node"
	"github.com/sweeney/sensor-node/internal/onewire"
	"github.com/sweeney/sensor-node/internal/status"
	"github.com/sweeney/sensor-node/internal/timer"
	"github.com/sweeney/sensor-node/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML node description (empty for built-in defaults)")
	nodeName := flag.String("node", config.DefaultNode, "Node name, second MQTT topic level")
	broker := flag.String("broker", config.DefaultBroker, "MQTT broker address")
	poll := flag.Duration("poll", config.DefaultPoll, "Main loop period (pulse sampling and main timers)")
	resolution := flag.Duration("resolution", config.DefaultResolution, "Interrupt registry tick period")
	httpAddr := flag.String("http", config.DefaultHTTP, "HTTP status address (empty to disable)")
	statusInterval := flag.Duration("status-interval", config.DefaultStatusInterval, "System HEARTBEAT interval (0 to disable)")
	wsBroker := flag.String("ws-broker", config.DefaultWSBroker, `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	printState := flag.Bool("print-state", false, "Print current sensor inputs and exit")

	flag.Parse()

	fs := afero.NewOsFs()
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(fs, *configPath)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		cfg = loaded
	}

	// Flags given explicitly win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node":
			cfg.Node = *nodeName
		case "broker":
			cfg.Broker = *broker
		case "poll":
			cfg.Poll = *poll
		case "resolution":
			cfg.Resolution = *resolution
		case "http":
			cfg.HTTP = *httpAddr
		case "status-interval":
			cfg.StatusInterval = *statusInterval
		case "ws-broker":
			cfg.WSBroker = *wsBroker
		}
	})
	if cfg.Poll <= 0 {
		log.Fatalf("fatal: poll must be > 0")
	}
	cfg.WSBroker = resolveWSBroker(cfg.WSBroker, cfg.Broker)

	if err := run(cfg, fs, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// opener opens a digital input line.
type opener func(chip string, pin int) (gpio.Reader, error)

func openRealInput(chip string, pin int) (gpio.Reader, error) {
	return gpio.NewRealReader(chip, pin)
}

func run(cfg *config.Config, fs afero.Fs, printState bool) error {
	if printState {
		return printInputs(os.Stdout, cfg.Sensors, openRealInput, fs)
	}

	if len(cfg.Sensors) == 0 {
		log.Printf("no sensors configured, only lifecycle events will be published")
	}

	// Initialize MQTT
	topics := mqtt.NewTopics(cfg.TopicPrefix, cfg.Node)
	publisher, err := mqtt.NewRealPublisher(cfg.Broker, topics, mqtt.Options{})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Two timers per sensor plus the status heartbeat.
	capacity := timer.DefaultCapacity
	if need := 2*len(cfg.Sensors) + 1; need > capacity {
		capacity = need
	}
	n := node.New(publisher, node.Options{Clock: clock.NewMonotonic(), Capacity: capacity})

	closers, err := buildSensors(n, cfg.Sensors, openRealInput, fs)
	for _, c := range closers {
		defer c.Close()
	}
	if err != nil {
		return err
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.Update(n.Statuses(), n.Timers())
	tracker.SetMQTTConnected(publisher.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, tracker, n)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if n.Interrupt().Len() > 0 {
		irq := timer.NewInterrupt(n.Interrupt(), cfg.Resolution)
		go irq.Run(ctx)
		log.Printf("interrupt registry running at %v", irq.Resolution())
	}

	commands := make(chan mqtt.Command, 16)
	publisher.OnCommand(func(c mqtt.Command) {
		select {
		case commands <- c:
		default:
			log.Printf("command queue full, dropping %q for sensor %d", c.Payload, c.SensorID)
		}
	})

	log.Printf("started: node=%s sensors=%d poll=%v broker=%s status-interval=%v",
		cfg.Node, len(cfg.Sensors), cfg.Poll, cfg.Broker, cfg.StatusInterval)

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(n, publisher, publisher, tracker, cfg.StatusInterval, time.Now, ticker.C, commands, sigCh)
}

// buildSensors adds every configured sensor to n. The returned closers are
// valid even when an error is returned.
func buildSensors(n *node.Node, sensors []config.Sensor, open opener, fs afero.Fs) ([]io.Closer, error) {
	var closers []io.Closer
	for _, sc := range sensors {
		switch sc.Kind {
		case config.KindPulse:
			in, err := open(sc.Chip, sc.Pin)
			if err != nil {
				return closers, fmt.Errorf("init gpio for sensor %d: %w", sc.ID, err)
			}
			closers = append(closers, in)
			if _, err := n.AddPulseMeter(sc, in); err != nil {
				return closers, fmt.Errorf("add pulse meter: %w", err)
			}
		case config.KindTemperature:
			bus := onewire.NewSysfsBus(fs, sc.Devices)
			if _, err := n.AddThermometer(sc, bus); err != nil {
				return closers, fmt.Errorf("add thermometer: %w", err)
			}
		default:
			return closers, fmt.Errorf("sensor %d: unknown kind %q", sc.ID, sc.Kind)
		}
	}
	return closers, nil
}

func runLoop(n *node.Node, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, statusInterval time.Duration, now func() time.Time, tick <-chan time.Time, commands <-chan mqtt.Command, sig <-chan os.Signal) error {
	inputLog := rate.Sometimes{First: 5, Interval: time.Minute}

	refresh := func() {
		if tracker == nil {
			return
		}
		tracker.Update(n.Statuses(), n.Timers())
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
	}

	systemEvent := func(event, reason string) mqtt.SystemEvent {
		se := mqtt.SystemEvent{
			Timestamp: now(),
			Event:     event,
			Reason:    reason,
			Retained:  event != "HEARTBEAT",
		}
		if tracker != nil {
			refresh()
			snap := tracker.Snapshot()
			se.RawPayload = status.FormatStatusEvent(snap, event, reason)
		}
		return se
	}

	if statusInterval > 0 {
		hb, err := n.Main().NewTimer()
		if err != nil {
			return fmt.Errorf("status timer: %w", err)
		}
		hb.Setup("status", durationMs(statusInterval), true, func(any) {
			// Refresh network info for heartbeat
			if tracker != nil {
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
			}
			if err := publisher.PublishSystem(systemEvent("HEARTBEAT", "")); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}, nil)
		hb.Start()
	}
	refresh()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			if err := publisher.PublishSystem(systemEvent("SHUTDOWN", signalName)); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case cmd := <-commands:
			if err := n.HandleCommand(cmd); err != nil {
				log.Printf("command error: %v", err)
			}
			refresh()

		case <-tick:
			_, errs := n.Tick()
			for _, err := range errs {
				inputLog.Do(func() { log.Printf("input error: %v", err) })
			}
			refresh()
		}
	}
}

// durationMs converts d for a timer, saturating at the uint32 range.
func durationMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Node:             cfg.Node,
		Broker:           cfg.Broker,
		TopicPrefix:      cfg.TopicPrefix,
		HTTPAddr:         cfg.HTTP,
		WSBroker:         cfg.WSBroker,
		PollMs:           cfg.Poll.Milliseconds(),
		ResolutionMs:     cfg.Resolution.Milliseconds(),
		StatusIntervalMs: cfg.StatusInterval.Milliseconds(),
	}
}

// printInputs reads every sensor input once.
func printInputs(w io.Writer, sensors []config.Sensor, open opener, fs afero.Fs) error {
	for _, sc := range sensors {
		switch sc.Kind {
		case config.KindPulse:
			in, err := open(sc.Chip, sc.Pin)
			if err != nil {
				return fmt.Errorf("init gpio for sensor %d: %w", sc.ID, err)
			}
			level, err := in.Level()
			in.Close()
			if err != nil {
				return fmt.Errorf("read gpio for sensor %d: %w", sc.ID, err)
			}
			fmt.Fprintf(w, "sensor %d (pulse %s/%d): %s\n", sc.ID, sc.Chip, sc.Pin, levelString(level))
		case config.KindTemperature:
			temps, err := onewire.NewSysfsBus(fs, sc.Devices).Temperatures()
			if err != nil {
				return fmt.Errorf("read thermometers for sensor %d: %w", sc.ID, err)
			}
			if len(temps) == 0 {
				fmt.Fprintf(w, "sensor %d (temperature): no devices\n", sc.ID)
			}
			for i, t := range temps {
				fmt.Fprintf(w, "sensor %d (temperature): %.1f C\n", int(sc.ID)+i, t.Celsius)
			}
		}
	}
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func levelString(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}

// resolveWSBroker converts the --ws-broker flag value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; empty disables.
func resolveWSBroker(ws, broker string) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Printf("ws-broker: cannot parse --broker %q: %v", broker, err)
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
