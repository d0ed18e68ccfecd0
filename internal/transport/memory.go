package transport

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process loopback Client. Published messages are recorded and
// delivered synchronously to subscribers of the same topic. It backs dry-run
// mode (no broker configured) and tests.
type Memory struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	sent     []Message
	failNext map[string]error
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{handlers: map[string][]Handler{}, failNext: map[string]error{}}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if err := m.failNext[topic]; err != nil {
		delete(m.failNext, topic)
		m.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: slices.Clone(payload), Received: time.Now()}
	m.sent = append(m.sent, msg)
	hs := slices.Clone(m.handlers[topic])
	m.mu.Unlock()

	for _, h := range hs {
		h(ctx, msg)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topics []string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		m.handlers[t] = append(m.handlers[t], h)
	}
	return nil
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// FailNext makes the next publish on topic return err.
func (m *Memory) FailNext(topic string, err error) {
	m.mu.Lock()
	m.failNext[topic] = err
	m.mu.Unlock()
}

// Sent returns a copy of every message published so far.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// SentTo returns the payloads published to topic, in order.
func (m *Memory) SentTo(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		if msg.Topic == topic {
			out = append(out, string(msg.Payload))
		}
	}
	return out
}
