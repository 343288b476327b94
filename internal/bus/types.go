package bus

import "context"

// InboundMessage is one raw delivery handed to a Handler: the concrete
// topic and the undecoded payload bytes. Decoding and schema validation are
// left to the handler; the topic gives it enough context for DLQ routing.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// Handler processes one inbound message to completion. A returned error is
// only logged by the dispatcher; a handler that wants a message
// dead-lettered sends it to the dead-letter queue itself.
type Handler func(ctx context.Context, msg InboundMessage) error

// Publisher is the narrow publish surface the command engine and DLQ
// depend on, letting tests substitute an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
}

// Subscriber is the narrow subscribe surface used at startup wiring.
type Subscriber interface {
	Subscribe(topicPattern string, qos QoS, handler Handler) error
}

// Client composes Publisher and Subscriber plus lifecycle/connectivity
// reporting, implemented by *MQTTClient and by test fakes.
type Client interface {
	Publisher
	Subscriber
	Connected() bool
}
