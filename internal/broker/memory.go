package broker

import (
	"context"
	"sync"

	"github.com/posedge/fleet/internal/events"
)

// Memory is an in-process broker used by tests and local development. It
// delivers synchronously and can be told to duplicate deliveries, which
// exercises the consumers' at-least-once handling.
type Memory struct {
	TopicPrefix string

	// Duplicates is how many extra deliveries each publish receives.
	Duplicates int

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

var _ Broker = (*Memory)(nil)

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

// Publish validates and hands the event to every subscriber of its
// topic. Handler errors trigger one immediate redelivery attempt.
func (b *Memory) Publish(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return &PermanentError{Reason: err.Error()}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrUnavailable
	}
	topic := TopicFor(event.Type, b.TopicPrefix)
	handlers := append([]Handler(nil), b.handlers[topic]...)
	dups := b.Duplicates
	b.mu.RUnlock()

	for _, h := range handlers {
		for i := 0; i <= dups; i++ {
			if err := h(ctx, event); err != nil && !IsPermanent(err) {
				_ = h(ctx, event)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *Memory) Subscribe(_ context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close drops all subscriptions and fails subsequent publishes.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
