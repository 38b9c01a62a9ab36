package task

import (
	"time"
)

// Mode is the delegation mode of a group.
type Mode string

const (
	// ModeSequential delegates one sub-task at a time.
	ModeSequential Mode = "sequential"
	// ModeParallel delegates every sub-task up front.
	ModeParallel Mode = "parallel"
)

// Policy decides when a group is satisfied.
type Policy string

const (
	// PolicyAll satisfies the group when every expected sub-task has
	// reported.
	PolicyAll Policy = "all"
	// PolicyAny satisfies the group on the first reported result.
	PolicyAny Policy = "any"
)

// IsValid returns true if the policy is known.
func (p Policy) IsValid() bool {
	return p == PolicyAll || p == PolicyAny
}

// DelegationGroup tracks a set of delegated sub-tasks and the results
// received for them. Expected preserves delegation declaration order so
// aggregation output is deterministic regardless of arrival order. The
// Satisfied flag flips false to true exactly once; the flip happens under
// the store's compare-and-swap in Engine.RecordSubtaskResult, never via a
// counter that can race.
type DelegationGroup struct {
	// GroupID uniquely identifies the group.
	GroupID string `json:"group_id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Mode is how the group's sub-tasks were delegated.
	Mode Mode `json:"mode"`

	// Expected lists sub-task correlation ids in declaration order.
	Expected []string `json:"expected"`

	// Received maps sub-task correlation ids to their result payloads.
	// First write wins; duplicates never overwrite.
	Received map[string]map[string]any `json:"received,omitempty"`

	// Policy is the aggregation policy.
	Policy Policy `json:"aggregation_policy"`

	// Satisfied records that the group has been satisfied. Duplicate and
	// late arrivals after the flip are recorded but do not re-trigger.
	Satisfied bool `json:"satisfied"`

	// Duplicates counts duplicate result deliveries observed.
	Duplicates int `json:"duplicates,omitempty"`

	// CreatedAt is when the group was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the group was last persisted.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the store's optimistic lock, managed outside the record.
	Version uint64 `json:"-"`
}

// IsSatisfied evaluates the aggregation policy against the received
// results: under all, received must cover expected; under any, one result
// suffices.
func (g *DelegationGroup) IsSatisfied() bool {
	switch g.Policy {
	case PolicyAny:
		return len(g.Received) > 0
	default:
		for _, id := range g.Expected {
			if _, ok := g.Received[id]; !ok {
				return false
			}
		}
		return len(g.Expected) > 0
	}
}

// SubtaskResult pairs a sub-task correlation id with its result payload.
type SubtaskResult struct {
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data,omitempty"`
}

// Aggregate returns the received results ordered by the declaration
// order of Expected, independent of arrival order. Sub-tasks that have
// not reported (possible under the any policy) are omitted.
func (g *DelegationGroup) Aggregate() []SubtaskResult {
	out := make([]SubtaskResult, 0, len(g.Received))
	for _, id := range g.Expected {
		data, ok := g.Received[id]
		if !ok {
			continue
		}
		out = append(out, SubtaskResult{CorrelationID: id, Data: data})
	}
	return out
}

// record adds a result under first-write-wins semantics, reporting
// whether the result was new.
func (g *DelegationGroup) record(correlationID string, data map[string]any) bool {
	if g.Received == nil {
		g.Received = make(map[string]map[string]any)
	}
	if _, exists := g.Received[correlationID]; exists {
		g.Duplicates++
		return false
	}
	g.Received[correlationID] = data
	return true
}

// expects reports whether the correlation id belongs to this group.
func (g *DelegationGroup) expects(correlationID string) bool {
	for _, id := range g.Expected {
		if id == correlationID {
			return true
		}
	}
	return false
}
