// Package task provides the delegation and aggregation engine. A task is
// a unit of delegated work, optionally owned by a plan, which may itself
// delegate further work sequentially or in parallel groups and is resumed
// when correlated responses report back.
package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusActive indicates the task is in flight.
	StatusActive Status = "active"
	// StatusComplete indicates the task has published its result.
	StatusComplete Status = "complete"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusComplete
}

// CanTransitionTo returns true if the status can transition to the target.
func (s Status) CanTransitionTo(target Status) bool {
	return s == StatusActive && target == StatusComplete
}

// Task is a persisted unit of delegated work.
type Task struct {
	// TaskID uniquely identifies the task.
	TaskID string `json:"task_id"`

	// PlanID is the owning plan, when the task was delegated by one.
	PlanID string `json:"plan_id,omitempty"`

	// EventType is the request event the task was created from.
	EventType string `json:"event_type"`

	// ResponseEvent is the event type the task's result is published
	// under, back to its delegator.
	ResponseEvent string `json:"response_event,omitempty"`

	// ResponseTopic is the topic the result travels on.
	ResponseTopic string `json:"response_topic,omitempty"`

	// CorrelationID is the id of the request that created this task; the
	// task's result is published under it.
	CorrelationID string `json:"correlation_id,omitempty"`

	// TraceID is propagated onto every delegation the task makes.
	TraceID string `json:"trace_id,omitempty"`

	// RequestEventID is the envelope ID of the creating request.
	RequestEventID string `json:"request_event_id,omitempty"`

	// Data is the request payload the task was created with.
	Data map[string]any `json:"data,omitempty"`

	// SubTasks lists delegated sub-task correlation ids in delegation
	// order.
	SubTasks []string `json:"sub_tasks,omitempty"`

	// State is scratch data, e.g. the pending delegation group id.
	State map[string]any `json:"state,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// TenantID and UserID propagate onto delegations and the result.
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last persisted.
	UpdatedAt time.Time `json:"updated_at"`

	// LastProgressAt is refreshed on every successful write for external
	// staleness monitoring.
	LastProgressAt time.Time `json:"last_progress_at"`

	// CompletedAt is when the task published its result.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the store's optimistic lock, managed outside the record.
	Version uint64 `json:"-"`
}

// GroupID returns the pending delegation group id, if any.
func (t *Task) GroupID() (string, bool) {
	if t.State == nil {
		return "", false
	}
	id, ok := t.State[stateKeyGroup].(string)
	return id, ok && id != ""
}

// stateKeyGroup is the task state key holding the pending group id.
const stateKeyGroup = "delegation_group"
