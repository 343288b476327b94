package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/retrypolicy"
)

// MQTTClient wraps paho.mqtt.golang the way messenger.Registry wraps it in
// the pack: jittered exponential reconnect (retrypolicy.BusPolicy),
// resubscribe-on-reconnect, and a bounded worker pool fanning out inbound
// deliveries so one slow handler can't stall the broker's callback thread.
type MQTTClient struct {
	log    *zap.Logger
	opts   *mqtt.ClientOptions
	client mqtt.Client

	mu            sync.RWMutex
	subscriptions map[string]subscription

	inbox chan delivery
	wg    sync.WaitGroup
}

type subscription struct {
	qos     QoS
	handler Handler
}

type delivery struct {
	topic   string
	payload []byte
}

// Config is the minimal set of connection parameters the client needs;
// broader settings live in internal/config.
type Config struct {
	BrokerURL string
	ClientID  string
	// LastWillTopic/Payload, when set, registers a retained LWT the broker
	// publishes on ungraceful disconnect, matching the original's
	// birth/death retained status pattern.
	LastWillTopic   string
	LastWillPayload []byte
	WorkerPoolSize  int
}

// NewMQTTClient builds a client and starts its worker pool. Connect must be
// called separately so callers can wire subscriptions first.
func NewMQTTClient(cfg Config, log *zap.Logger) *MQTTClient {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(false) // reconnect is driven by our own backoff loop
	opts.SetCleanSession(true)
	if cfg.LastWillTopic != "" {
		opts.SetWill(cfg.LastWillTopic, string(cfg.LastWillPayload), byte(QoSAtLeastOnce), true)
	}

	workers := cfg.WorkerPoolSize
	if workers <= 0 {
		workers = 8
	}

	c := &MQTTClient{
		log:           log,
		opts:          opts,
		subscriptions: make(map[string]subscription),
		inbox:         make(chan delivery, 1024),
	}
	opts.SetDefaultPublishHandler(c.onMessage)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn("bus connection lost, reconnecting", zap.Error(err))
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				c.log.Error("bus reconnect failed", zap.Error(err))
			}
		}()
	})

	c.client = mqtt.NewClient(opts)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// onMessage is paho's delivery callback; it only enqueues, keeping the
// broker's network loop unblocked.
func (c *MQTTClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.inbox <- delivery{topic: msg.Topic(), payload: msg.Payload()}:
	default:
		c.log.Warn("bus inbox full, dropping message", zap.String("topic", msg.Topic()))
	}
}

func (c *MQTTClient) worker() {
	defer c.wg.Done()
	for d := range c.inbox {
		c.dispatch(d)
	}
}

func (c *MQTTClient) dispatch(d delivery) {
	c.mu.RLock()
	var matched *subscription
	for pattern, sub := range c.subscriptions {
		if TopicMatches(pattern, d.topic) {
			s := sub
			matched = &s
			break
		}
	}
	c.mu.RUnlock()

	if matched == nil {
		c.log.Debug("no handler for topic", zap.String("topic", d.topic))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := matched.handler(ctx, InboundMessage{Topic: d.topic, Payload: d.payload}); err != nil {
		c.log.Error("handler failed", zap.String("topic", d.topic), zap.Error(err))
	}
}

// Connect dials the broker, retrying under retrypolicy.BusPolicy (base
// 0.5s, cap 30s, jittered exponential). Every successful connect resubscribes
// every registered pattern, matching the original resubscribe-on-reconnect
// behavior.
func (c *MQTTClient) Connect(ctx context.Context) error {
	err := retrypolicy.Do(ctx, retrypolicy.BusPolicy, func() error {
		token := c.client.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}
	return c.resubscribeAll()
}

func (c *MQTTClient) resubscribeAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pattern, sub := range c.subscriptions {
		token := c.client.Subscribe(pattern, byte(sub.qos), nil)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("bus: resubscribe %s: %w", pattern, err)
		}
	}
	return nil
}

// Subscribe registers handler for topicPattern (may contain MQTT wildcards)
// at the given QoS, and subscribes immediately if already connected.
func (c *MQTTClient) Subscribe(topicPattern string, qos QoS, handler Handler) error {
	c.mu.Lock()
	c.subscriptions[topicPattern] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if c.client.IsConnected() {
		token := c.client.Subscribe(topicPattern, byte(qos), nil)
		token.Wait()
		return token.Error()
	}
	return nil
}

// Publish guarantees in-order delivery per topic (paho serializes publishes
// on a single connection) and returns only once the broker has acknowledged
// at the requested QoS.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	token := c.client.Publish(topic, byte(qos), retain, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// Connected reports current broker connectivity, feeding C9 readiness.
func (c *MQTTClient) Connected() bool {
	return c.client.IsConnected()
}

// Close disconnects and drains the worker pool.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	close(c.inbox)
	c.wg.Wait()
}

// TopicMatches reports whether topic satisfies an MQTT-style pattern using
// `+` (single-level) and `#` (multi-level, trailing only) wildcards.
func TopicMatches(pattern, topic string) bool {
	pParts := splitTopic(pattern)
	tParts := splitTopic(topic)

	for i, p := range pParts {
		if p == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if p != "+" && p != tParts[i] {
			return false
		}
	}
	return len(pParts) == len(tParts)
}
