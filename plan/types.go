// Package plan provides the declarative state-machine runner for plans.
// A plan is a persisted state-machine instance tracking a goal's
// execution; it is owned exclusively by the Runner and mutated only
// through the Runner's transition functions, always under the store's
// compare-and-swap.
package plan

import (
	"time"
)

// Status represents the lifecycle state of a plan.
type Status string

const (
	// StatusRunning indicates the plan is in flight.
	StatusRunning Status = "running"
	// StatusComplete indicates the plan finalized successfully.
	StatusComplete Status = "complete"
	// StatusFailed indicates the plan finalized with a failure.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known plan status.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransitionTo returns true if the status can transition to the target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusRunning:
		return target == StatusComplete || target == StatusFailed
	case StatusComplete, StatusFailed:
		return false // Terminal states
	default:
		return false
	}
}

// Plan is a persisted state-machine instance. The embedded Machine copy
// makes the record self-contained: reloading a plan and resuming from
// CurrentState reproduces the behavior of an uninterrupted run even if
// the definition library has since changed.
type Plan struct {
	// PlanID uniquely identifies the plan.
	PlanID string `json:"plan_id"`

	// GoalEvent is the goal event type that instantiated the plan.
	GoalEvent string `json:"goal_event"`

	// GoalData is the payload of the originating goal event.
	GoalData map[string]any `json:"goal_data,omitempty"`

	// Machine is the state machine this plan executes.
	Machine Definition `json:"state_machine"`

	// CurrentState names the state the plan is currently in.
	CurrentState string `json:"current_state"`

	// State is scratch data accumulated from transition events.
	State map[string]any `json:"state,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// ActionCount counts transitions and published actions; the Runner
	// forces finalization when it exceeds the configured budget.
	ActionCount int `json:"action_count"`

	// Routing captured from the goal envelope for finalization.
	GoalCorrelationID string `json:"goal_correlation_id,omitempty"`
	ResponseEvent     string `json:"response_event,omitempty"`
	ResponseTopic     string `json:"response_topic,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
	RootEventID       string `json:"root_event_id,omitempty"`

	// LastEventID is the envelope ID of the most recent event applied to
	// this plan; published requests are parented to it.
	LastEventID string `json:"last_event_id,omitempty"`

	// TenantID and UserID are propagated onto every published envelope.
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the plan was last persisted.
	UpdatedAt time.Time `json:"updated_at"`

	// LastProgressAt is refreshed on every successful write so an
	// external monitor can detect stalled plans.
	LastProgressAt time.Time `json:"last_progress_at"`

	// FinalizedAt is when the plan reached a terminal status.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	// Version is the store's optimistic lock, managed outside the record.
	Version uint64 `json:"-"`
}

// CurrentConfig returns the StateConfig for the plan's current state.
func (p *Plan) CurrentConfig() (*StateConfig, bool) {
	return p.Machine.State(p.CurrentState)
}
