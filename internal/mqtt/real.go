package mqtt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// DefaultBufferSize is how many messages are held while the broker is unreachable.
	DefaultBufferSize = 256

	// DefaultReplayRate is how many buffered messages per second are replayed
	// after a reconnect.
	DefaultReplayRate = 20
)

// Options tunes a RealPublisher. Zero values select the defaults.
type Options struct {
	ClientID   string
	BufferSize int
	ReplayRate float64
}

// RealPublisher publishes to an actual MQTT broker.
//
// Messages published while the connection is down are kept in a ring buffer
// and replayed, rate limited, once the client reconnects.
type RealPublisher struct {
	client  paho.Client
	topics  Topics
	limiter *rate.Limiter

	mu        sync.Mutex
	buf       *ringBuffer
	onCommand func(Command)
	replaying bool
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker string, topics Topics, o Options) (*RealPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = "sensor-node-" + topics.Node
	}

	p := newRealPublisher(topics, o)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(topics.System(), string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// newRealPublisher applies the option defaults. The client is set by the caller.
func newRealPublisher(topics Topics, o Options) *RealPublisher {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ReplayRate <= 0 {
		o.ReplayRate = DefaultReplayRate
	}
	return &RealPublisher{
		topics:  topics,
		limiter: rate.NewLimiter(rate.Limit(o.ReplayRate), 1),
		buf:     newRingBuffer(o.BufferSize),
	}
}

// onConnect runs on every (re)connection, on its own goroutine.
func (p *RealPublisher) onConnect(c paho.Client) {
	log.Printf("mqtt: connected, subscribing to %s", p.topics.Commands())
	token := c.Subscribe(p.topics.Commands(), 1, p.handleMessage)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("mqtt: subscribe to %s: timeout", p.topics.Commands())
	} else if err := token.Error(); err != nil {
		log.Printf("mqtt: subscribe to %s: %v", p.topics.Commands(), err)
	}

	p.startReplay()
}

// startReplay drains the buffer in the background unless it is empty or a
// replay is already running.
func (p *RealPublisher) startReplay() {
	p.mu.Lock()
	if p.replaying || p.buf.len() == 0 {
		p.mu.Unlock()
		return
	}
	p.replaying = true
	p.mu.Unlock()

	go p.replay()
}

func (p *RealPublisher) handleMessage(_ paho.Client, msg paho.Message) {
	id, ok := p.topics.ParseCommand(msg.Topic())
	if !ok {
		log.Printf("mqtt: ignoring message on %s", msg.Topic())
		return
	}

	p.mu.Lock()
	handler := p.onCommand
	p.mu.Unlock()

	if handler != nil {
		handler(Command{SensorID: id, Payload: string(msg.Payload())})
	}
}

// replay drains the buffer at the configured rate. A failed send puts the
// rest back; the next reconnect or successful publish starts over.
func (p *RealPublisher) replay() {
	defer func() {
		p.mu.Lock()
		p.replaying = false
		p.mu.Unlock()
	}()

	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	log.Printf("mqtt: replaying %d buffered messages", len(msgs))
	for i, m := range msgs {
		if err := p.limiter.Wait(context.Background()); err != nil {
			log.Printf("mqtt: replay limiter: %v", err)
		}
		if err := p.send(m); err != nil {
			log.Printf("mqtt: replay stopped after %d messages: %v", i, err)
			p.mu.Lock()
			for _, rest := range msgs[i:] {
				p.buf.push(rest)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// publish sends now, or buffers when the connection is down. A successful
// send resumes replay of anything still buffered.
func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return fmt.Errorf("publish: %w", err)
	}
	p.startReplay()
	return nil
}

// Publish sends a reading to the MQTT broker.
func (p *RealPublisher) Publish(r Reading) error {
	payload, err := FormatPayload(r)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: p.topics.Reading(r.SensorID, r.Kind), payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(bufferedMsg{
		topic:    p.topics.System(),
		payload:  payload,
		qos:      1,
		retained: event.Retained,
	})
}

// OnCommand registers the handler for inbound commands.
func (p *RealPublisher) OnCommand(handler func(Command)) {
	p.mu.Lock()
	p.onCommand = handler
	p.mu.Unlock()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
