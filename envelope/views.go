package envelope

import "fmt"

// GoalView is the typed view of a goal event. Goal events instantiate
// plans; their response fields describe where the final plan result should
// eventually be delivered.
type GoalView struct {
	*EventEnvelope
}

// AsGoal adapts a raw envelope into a goal view. The adaptation is a pure
// transformation with no side effects.
func AsGoal(e *EventEnvelope) (GoalView, error) {
	if err := e.Validate(); err != nil {
		return GoalView{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return GoalView{EventEnvelope: e}, nil
}

// TaskView is the typed view of a task request event.
type TaskView struct {
	*EventEnvelope
}

// AsTask adapts a raw envelope into a task request view. Task requests
// carry the correlation id their response must be published under.
func AsTask(e *EventEnvelope) (TaskView, error) {
	if err := e.Validate(); err != nil {
		return TaskView{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if e.CorrelationID == "" {
		return TaskView{}, fmt.Errorf("%w: task request missing correlation_id", ErrMalformedEnvelope)
	}
	return TaskView{EventEnvelope: e}, nil
}

// ResultView is the typed view of a result event. A result without a
// correlation id can never be routed to its owner and is rejected here,
// before any handler runs.
type ResultView struct {
	*EventEnvelope
}

// AsResult adapts a raw envelope into a result view.
func AsResult(e *EventEnvelope) (ResultView, error) {
	if err := e.Validate(); err != nil {
		return ResultView{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if e.CorrelationID == "" {
		return ResultView{}, fmt.Errorf("%w: result missing correlation_id", ErrMalformedEnvelope)
	}
	return ResultView{EventEnvelope: e}, nil
}

// Response builds a reply envelope for an inbound envelope: the reply
// travels on the inbound response_topic under the inbound response_event,
// carries the same correlation_id and trace_id, and is parented to the
// inbound envelope. The response topic defaults to the result topic and
// the response event to "<event_type>.response" when the inbound envelope
// left them unset.
func (e *EventEnvelope) Response(data map[string]any, source string) *EventEnvelope {
	eventType := e.ResponseEvent
	if eventType == "" {
		eventType = e.EventType + ".response"
	}
	topic := e.ResponseTopic
	if !topic.IsValid() {
		topic = TopicResult
	}

	resp := New(topic, eventType, data, source)
	resp.CorrelationID = e.CorrelationID
	resp.TraceID = e.TraceID
	resp.ParentEventID = e.ID
	resp.TenantID = e.TenantID
	resp.UserID = e.UserID
	return resp
}
