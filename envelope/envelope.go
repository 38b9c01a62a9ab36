// Package envelope defines the wire-level event envelope exchanged over the
// event bus and the typed views handlers consume it through.
//
// Topics are an explicit enum, never inferred from event type strings:
// routing decisions always flow from the Topic field so an event can never
// be misrouted by a naming collision.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Topic identifies a routing channel on the event bus.
type Topic string

const (
	// TopicGoal carries goal events that instantiate new plans.
	TopicGoal Topic = "goal"
	// TopicRequest carries delegation requests awaiting a correlated response.
	TopicRequest Topic = "request"
	// TopicResult carries responses to previously published requests.
	TopicResult Topic = "result"
	// TopicSignal carries out-of-band signals (errors, escalations).
	TopicSignal Topic = "signal"
)

// String returns the string representation of the topic.
func (t Topic) String() string {
	return string(t)
}

// IsValid returns true if the topic is a known routing channel.
func (t Topic) IsValid() bool {
	switch t {
	case TopicGoal, TopicRequest, TopicResult, TopicSignal:
		return true
	default:
		return false
	}
}

// Subject returns the bus subject prefix for this topic.
// The full wire subject is "<prefix>.<event_type>".
func (t Topic) Subject() string {
	return "planflow." + string(t)
}

// ParseTopic converts a string into a Topic, failing on unknown values.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if !t.IsValid() {
		return "", &ValidationError{Field: "topic", Message: "unknown topic: " + s}
	}
	return t, nil
}

// EventEnvelope is the unit of exchange on the event bus. Every published
// envelope carries correlation_id, trace_id, and parent_event_id propagated
// from the triggering context: trace_id is constant across a workflow
// subtree, parent_event_id forms a tree rooted at the originating goal
// event, and correlation_id is unique per outstanding request/response pair.
type EventEnvelope struct {
	// ID uniquely identifies this envelope.
	ID string `json:"id"`

	// EventType names the event (e.g. "research.requested").
	EventType string `json:"event_type"`

	// Topic is the routing channel this envelope travels on.
	Topic Topic `json:"topic"`

	// Data is the opaque structured payload.
	Data map[string]any `json:"data,omitempty"`

	// CorrelationID links a request to its eventual response.
	CorrelationID string `json:"correlation_id,omitempty"`

	// TraceID is constant across an entire workflow subtree.
	TraceID string `json:"trace_id,omitempty"`

	// ParentEventID is the envelope ID of the triggering event.
	ParentEventID string `json:"parent_event_id,omitempty"`

	// ResponseEvent is the event type the sender expects the reply under.
	ResponseEvent string `json:"response_event,omitempty"`

	// ResponseTopic is the topic the sender expects the reply on.
	ResponseTopic Topic `json:"response_topic,omitempty"`

	// TenantID scopes the envelope to a tenant.
	TenantID string `json:"tenant_id,omitempty"`

	// UserID identifies the originating user, when known.
	UserID string `json:"user_id,omitempty"`

	// Source identifies the publishing component.
	Source string `json:"source"`

	// Timestamp is when the envelope was created.
	Timestamp time.Time `json:"timestamp"`
}

// New creates an envelope with a fresh ID and timestamp.
func New(topic Topic, eventType string, data map[string]any, source string) *EventEnvelope {
	return &EventEnvelope{
		ID:        NewID(),
		EventType: eventType,
		Topic:     topic,
		Data:      data,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the envelope carries the fields every event needs.
func (e *EventEnvelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "event_type is required"}
	}
	if !e.Topic.IsValid() {
		return &ValidationError{Field: "topic", Message: "topic is required"}
	}
	return nil
}

// NewID returns a UUIDv7 identifier string, falling back to a random
// UUIDv4 if v7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
