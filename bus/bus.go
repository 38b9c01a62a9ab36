// Package bus abstracts the event transport. The engine assumes
// at-least-once delivery per subscription and at-most-one consumer per
// queue group; everything beyond that (durability, retry, load
// balancing) belongs to the transport.
package bus

import (
	"context"

	"github.com/c360studio/planflow/envelope"
)

// Handler processes one delivered envelope. Handlers must be safe for
// concurrent invocation; delivery is at-least-once and unordered.
type Handler func(ctx context.Context, env *envelope.EventEnvelope)

// EventBus publishes envelopes and delivers subscribed topics to
// handlers.
type EventBus interface {
	// Publish sends an envelope on its topic and returns its id.
	Publish(ctx context.Context, env *envelope.EventEnvelope) (string, error)

	// Subscribe registers a handler for a topic within a queue group.
	// Within one group each envelope is delivered to a single handler.
	Subscribe(ctx context.Context, topic envelope.Topic, queue string, h Handler) error

	// Close releases transport resources.
	Close() error
}
