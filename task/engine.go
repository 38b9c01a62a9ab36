package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/store"
)

// ErrUnknownSubtask is returned when a result's correlation id does not
// belong to the group it was routed to. Reported, not retried.
var ErrUnknownSubtask = errors.New("unknown sub-task correlation id")

// DelegationSpec describes one sub-task request to delegate.
type DelegationSpec struct {
	// EventType is the request event to publish.
	EventType string `json:"event_type"`

	// ResponseEvent is the event type the responder replies under.
	ResponseEvent string `json:"response_event,omitempty"`

	// Topic overrides the request topic. Defaults to the request channel.
	Topic envelope.Topic `json:"topic,omitempty"`

	// Data is the request payload.
	Data map[string]any `json:"data,omitempty"`
}

// Engine creates tasks, delegates sub-task work, records correlated
// results, and decides when a delegation group is complete. Delegation is
// fire-and-forget: the engine persists state and returns the request
// envelopes; the caller publishes and returns without blocking, and the
// responses are handled by later, independent invocations.
type Engine struct {
	store  store.Store
	source string
	logger *slog.Logger
}

// NewEngine creates an Engine on the given store.
func NewEngine(s store.Store, source string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if source == "" {
		source = "planflow"
	}
	return &Engine{store: s, source: source, logger: logger}
}

// Create builds and persists an active task from an inbound request view.
func (e *Engine) Create(ctx context.Context, req envelope.TaskView) (*Task, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = envelope.NewID()
	}

	now := time.Now().UTC()
	t := &Task{
		TaskID:         envelope.NewID(),
		EventType:      req.EventType,
		ResponseEvent:  req.ResponseEvent,
		ResponseTopic:  req.ResponseTopic.String(),
		CorrelationID:  req.CorrelationID,
		TraceID:        traceID,
		RequestEventID: req.ID,
		Data:           req.Data,
		State:          map[string]any{},
		Status:         StatusActive,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastProgressAt: now,
	}
	if planID, ok := req.Data["plan_id"].(string); ok {
		t.PlanID = planID
	}

	if err := e.persistTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	e.logger.Info("Task created",
		"task_id", t.TaskID,
		"event_type", t.EventType,
		"trace_id", t.TraceID)
	tasksCreated.Inc()
	return t, nil
}

// DelegateSequential generates a fresh correlation id, appends it to the
// task's sub-task list, persists the task and the sub-task index, and
// returns the id with the request envelope for the caller to publish.
func (e *Engine) DelegateSequential(ctx context.Context, t *Task, spec DelegationSpec) (string, *envelope.EventEnvelope, error) {
	req := e.buildRequest(t, spec)

	err := e.mutateTask(ctx, t, func(t *Task) error {
		t.SubTasks = append(t.SubTasks, req.CorrelationID)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("delegate sequential from task %s: %w", t.TaskID, err)
	}
	if err := e.store.IndexSubtask(ctx, req.CorrelationID, store.Ref{Kind: store.KindTask, Key: t.TaskID}); err != nil {
		return "", nil, fmt.Errorf("index sub-task for task %s: %w", t.TaskID, err)
	}

	e.logger.Debug("Sequential delegation",
		"task_id", t.TaskID,
		"event_type", spec.EventType,
		"correlation_id", req.CorrelationID)
	delegations.Inc()

	return req.CorrelationID, req, nil
}

// DelegateParallel creates a delegation group with one fresh correlation
// id per spec, in declaration order, persists the group and the task, and
// returns the group id with the request envelopes to publish.
func (e *Engine) DelegateParallel(ctx context.Context, t *Task, specs []DelegationSpec, policy Policy) (string, []*envelope.EventEnvelope, error) {
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("delegate parallel from task %s: no specs", t.TaskID)
	}
	if !policy.IsValid() {
		policy = PolicyAll
	}

	requests := make([]*envelope.EventEnvelope, 0, len(specs))
	expected := make([]string, 0, len(specs))
	for _, spec := range specs {
		req := e.buildRequest(t, spec)
		requests = append(requests, req)
		expected = append(expected, req.CorrelationID)
	}

	now := time.Now().UTC()
	g := &DelegationGroup{
		GroupID:   envelope.NewID(),
		TaskID:    t.TaskID,
		Mode:      ModeParallel,
		Expected:  expected,
		Received:  map[string]map[string]any{},
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.persistGroup(ctx, g); err != nil {
		return "", nil, fmt.Errorf("create group for task %s: %w", t.TaskID, err)
	}

	err := e.mutateTask(ctx, t, func(t *Task) error {
		t.SubTasks = append(t.SubTasks, expected...)
		if t.State == nil {
			t.State = map[string]any{}
		}
		t.State[stateKeyGroup] = g.GroupID
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("delegate parallel from task %s: %w", t.TaskID, err)
	}

	for _, id := range expected {
		if err := e.store.IndexSubtask(ctx, id, store.Ref{Kind: store.KindTask, Key: t.TaskID}); err != nil {
			return "", nil, fmt.Errorf("index sub-task for task %s: %w", t.TaskID, err)
		}
	}

	e.logger.Info("Parallel delegation",
		"task_id", t.TaskID,
		"group_id", g.GroupID,
		"sub_tasks", len(expected),
		"policy", policy)
	delegations.Add(float64(len(expected)))

	return g.GroupID, requests, nil
}

// RecordSubtaskResult records a sub-task result into the group under
// first-write-wins semantics and reports whether this call satisfied the
// group. The satisfied flip is decided inside the compare-and-swap write:
// concurrent callers race on the version, losers re-read and reapply, and
// only the writer whose mutation turned Satisfied from false to true
// observes newlySatisfied.
func (e *Engine) RecordSubtaskResult(ctx context.Context, groupID, correlationID string, data map[string]any) (*DelegationGroup, bool, error) {
	for {
		g, err := LoadGroup(ctx, e.store, groupID)
		if err != nil {
			return nil, false, fmt.Errorf("load group %s: %w", groupID, err)
		}

		if !g.expects(correlationID) {
			return g, false, fmt.Errorf("%w: %s in group %s", ErrUnknownSubtask, correlationID, groupID)
		}

		added := g.record(correlationID, data)
		if !added {
			duplicateResults.Inc()
			e.logger.Warn("Duplicate sub-task result ignored",
				"group_id", groupID,
				"correlation_id", correlationID)
		}

		newlySatisfied := false
		if !g.Satisfied && g.IsSatisfied() {
			g.Satisfied = true
			newlySatisfied = true
		}

		if err := e.persistGroup(ctx, g); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				versionConflicts.Inc()
				continue
			}
			return nil, false, fmt.Errorf("persist group %s: %w", groupID, err)
		}
		return g, newlySatisfied, nil
	}
}

// Complete marks the task complete and returns its result envelope,
// exactly once. The compare-and-swap flip from active to complete elects
// a single winner; repeated or concurrent calls return nil without an
// event.
func (e *Engine) Complete(ctx context.Context, t *Task, resultData map[string]any) (*envelope.EventEnvelope, error) {
	for {
		if t.Status == StatusComplete {
			return nil, nil
		}

		now := time.Now().UTC()
		t.Status = StatusComplete
		t.CompletedAt = &now

		err := e.persistTask(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("complete task %s: %w", t.TaskID, err)
		}
		versionConflicts.Inc()
		fresh, loadErr := LoadTask(ctx, e.store, t.TaskID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload task %s after conflict: %w", t.TaskID, loadErr)
		}
		*t = *fresh
	}

	tasksCompleted.Inc()
	e.logger.Info("Task completed",
		"task_id", t.TaskID,
		"event_type", t.EventType,
		"sub_tasks", len(t.SubTasks))

	if t.ResponseEvent == "" {
		return nil, nil
	}

	topic, err := envelope.ParseTopic(t.ResponseTopic)
	if err != nil {
		topic = envelope.TopicResult
	}
	result := envelope.New(topic, t.ResponseEvent, resultData, e.source)
	result.CorrelationID = t.CorrelationID
	result.TraceID = t.TraceID
	result.ParentEventID = t.RequestEventID
	result.TenantID = t.TenantID
	result.UserID = t.UserID
	return result, nil
}

// stateKeyResults is the task state key holding sequential sub-task
// results, keyed by correlation id.
const stateKeyResults = "subtask_results"

// RecordSequentialResult records a result for a sequentially delegated
// sub-task directly on the task, first-write-wins, and reports whether
// every delegated sub-task has now reported.
func (e *Engine) RecordSequentialResult(ctx context.Context, t *Task, correlationID string, data map[string]any) (bool, error) {
	owned := false
	for _, id := range t.SubTasks {
		if id == correlationID {
			owned = true
			break
		}
	}
	if !owned {
		return false, fmt.Errorf("%w: %s on task %s", ErrUnknownSubtask, correlationID, t.TaskID)
	}

	err := e.mutateTask(ctx, t, func(t *Task) error {
		if t.State == nil {
			t.State = map[string]any{}
		}
		results, _ := t.State[stateKeyResults].(map[string]any)
		if results == nil {
			results = map[string]any{}
			t.State[stateKeyResults] = results
		}
		if _, exists := results[correlationID]; exists {
			duplicateResults.Inc()
			e.logger.Warn("Duplicate sequential result ignored",
				"task_id", t.TaskID,
				"correlation_id", correlationID)
			return nil
		}
		results[correlationID] = data
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record sequential result on task %s: %w", t.TaskID, err)
	}

	results, _ := t.State[stateKeyResults].(map[string]any)
	for _, id := range t.SubTasks {
		if _, ok := results[id]; !ok {
			return false, nil
		}
	}
	return len(t.SubTasks) > 0, nil
}

// AggregateSequential returns the task's sequential sub-task results in
// delegation order, independent of arrival order.
func (t *Task) AggregateSequential() []SubtaskResult {
	results, _ := t.State[stateKeyResults].(map[string]any)
	out := make([]SubtaskResult, 0, len(results))
	for _, id := range t.SubTasks {
		raw, ok := results[id]
		if !ok {
			continue
		}
		data, _ := raw.(map[string]any)
		out = append(out, SubtaskResult{CorrelationID: id, Data: data})
	}
	return out
}

// buildRequest constructs a delegation request envelope with a fresh
// correlation id, propagating the task's trace id.
func (e *Engine) buildRequest(t *Task, spec DelegationSpec) *envelope.EventEnvelope {
	topic := spec.Topic
	if topic == "" {
		topic = envelope.TopicRequest
	}
	req := envelope.New(topic, spec.EventType, spec.Data, e.source)
	req.CorrelationID = envelope.NewID()
	req.TraceID = t.TraceID
	req.ParentEventID = t.RequestEventID
	req.ResponseEvent = spec.ResponseEvent
	req.ResponseTopic = envelope.TopicResult
	req.TenantID = t.TenantID
	req.UserID = t.UserID
	return req
}

// mutateTask applies fn to the task and persists it, re-reading and
// reapplying on version conflict.
func (e *Engine) mutateTask(ctx context.Context, t *Task, fn func(*Task) error) error {
	for {
		if err := fn(t); err != nil {
			return err
		}
		err := e.persistTask(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		versionConflicts.Inc()
		fresh, loadErr := LoadTask(ctx, e.store, t.TaskID)
		if loadErr != nil {
			return fmt.Errorf("reload task %s after conflict: %w", t.TaskID, loadErr)
		}
		*t = *fresh
	}
}

func (e *Engine) persistTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.LastProgressAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	version, err := e.store.Put(ctx, store.KindTask, t.TaskID, data, t.Version)
	if err != nil {
		return err
	}
	t.Version = version
	return nil
}

func (e *Engine) persistGroup(ctx context.Context, g *DelegationGroup) error {
	g.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	version, err := e.store.Put(ctx, store.KindGroup, g.GroupID, data, g.Version)
	if err != nil {
		return err
	}
	g.Version = version
	return nil
}

// LoadTask reads a task record and its version from the store.
func LoadTask(ctx context.Context, s store.Store, taskID string) (*Task, error) {
	data, version, err := s.Get(ctx, store.KindTask, taskID)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	t.Version = version
	return &t, nil
}

// LoadGroup reads a delegation group and its version from the store.
func LoadGroup(ctx context.Context, s store.Store, groupID string) (*DelegationGroup, error) {
	data, version, err := s.Get(ctx, store.KindGroup, groupID)
	if err != nil {
		return nil, err
	}
	var g DelegationGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal group %s: %w", groupID, err)
	}
	g.Version = version
	return &g, nil
}
