// Package broker defines the at-least-once event transport contract and
// its adapters. The core never implements a broker itself: correctness
// holds under duplicate delivery and cross-source reordering, so any
// backend providing at-least-once delivery with per-source partition
// ordering satisfies the contract.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/posedge/fleet/internal/events"
)

// Handler consumes a delivered event. A non-nil return requeues the
// message for redelivery; a PermanentError must instead be dead-lettered
// by the caller before acking.
type Handler func(ctx context.Context, event *events.Event) error

// Broker is the injected transport capability.
type Broker interface {
	// Publish delivers the event to the topic derived from its type,
	// partitioned by the event source. It returns once the broker has
	// accepted the message.
	Publish(ctx context.Context, event *events.Event) error

	// Subscribe registers a handler for one event family topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close releases producer and consumer resources.
	Close() error
}

// ErrUnavailable marks transient transport failures. Publishers retry
// these with backoff; they are never dead-lettered.
var ErrUnavailable = errors.New("broker unavailable")

// PermanentError reports that the broker rejected a message as
// structurally invalid. The message must be dead-lettered, not retried.
type PermanentError struct {
	Reason string
}

// Error implements error.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanently rejected: %s", e.Reason)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// TopicFor maps an event type to its broker topic: one topic per event
// family, so pos.pump.status and pos.tank.level share "fleet.pump" and
// "fleet.tank" respectively.
func TopicFor(eventType events.Type, prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "fleet"
	}
	family := eventType.Family()
	if family == "" {
		family = "misc"
	}
	return prefix + "." + family
}

// Topics returns the distinct topics covering the given event types.
func Topics(prefix string, types ...events.Type) []string {
	seen := make(map[string]struct{}, len(types))
	var out []string
	for _, t := range types {
		topic := TopicFor(t, prefix)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}
