// Package transport defines the publish/subscribe contract between the server
// and the irrigation controller.
package transport

import (
	"context"
	"time"
)

// Message is one inbound payload.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Handler consumes inbound messages. It runs on the transport's delivery
// goroutine and should return quickly.
type Handler func(ctx context.Context, msg Message)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages on topics to h. Subscriptions survive
// reconnects.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, h Handler) error
}

// Client is a full duplex transport.
type Client interface {
	Publisher
	Subscriber
	Connected() bool
	Close() error
}
