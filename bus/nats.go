package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/planflow/envelope"
)

// StreamName is the JetStream stream carrying all planflow subjects.
const StreamName = "PLANFLOW"

// NATSBus is an EventBus backed by NATS JetStream. Envelopes are
// published to "planflow.<topic>.<event_type>"; subscriptions are durable
// consumers filtered per topic, so every member of a queue group shares
// one consumer and each message is delivered to a single member.
type NATSBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	consumeContexts []jetstream.ConsumeContext
}

// NewNATSBus connects the bus to JetStream, creating the stream if
// needed.
func NewNATSBus(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Planflow orchestration events",
		Subjects:    []string{"planflow.>"},
		Retention:   jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	return &NATSBus{nc: nc, js: js, stream: stream, logger: logger}, nil
}

// JetStream exposes the underlying JetStream context so callers can
// build KV-backed stores on the same connection.
func (b *NATSBus) JetStream() jetstream.JetStream {
	return b.js
}

// Publish implements EventBus.
func (b *NATSBus) Publish(ctx context.Context, env *envelope.EventEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	subject := env.Topic.Subject() + "." + env.EventType
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return "", fmt.Errorf("publish %s: %w", subject, err)
	}

	b.logger.Debug("Published envelope",
		"subject", subject,
		"event_id", env.ID,
		"correlation_id", env.CorrelationID)
	return env.ID, nil
}

// Subscribe implements EventBus.
func (b *NATSBus) Subscribe(ctx context.Context, topic envelope.Topic, queue string, h Handler) error {
	if !topic.IsValid() {
		return fmt.Errorf("subscribe: unknown topic %q", topic)
	}
	if queue == "" {
		return fmt.Errorf("subscribe: queue group is required")
	}

	durable := queue + "-" + string(topic)
	durable = strings.ReplaceAll(durable, ".", "-")

	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: topic.Subject() + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var env envelope.EventEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			b.logger.Warn("Dropping undecodable message",
				"subject", msg.Subject(),
				"error", err)
			_ = msg.Ack()
			return
		}
		h(ctx, &env)
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Ack failed", "subject", msg.Subject(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	b.consumeContexts = append(b.consumeContexts, cc)
	b.logger.Info("Subscribed",
		"topic", topic,
		"queue", queue,
		"durable", durable)
	return nil
}

// Close implements EventBus. It stops consumers but leaves the shared
// NATS connection to its owner.
func (b *NATSBus) Close() error {
	for _, cc := range b.consumeContexts {
		cc.Stop()
	}
	b.consumeContexts = nil
	return nil
}
