package plan

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

// ErrUnexpectedTransition is returned when an inbound event is not a
// valid trigger for the plan's current state. The event is dropped and
// logged, never retried.
var ErrUnexpectedTransition = errors.New("unexpected transition")

const (
	// DefaultMaxAutoTransitions caps the auto-transition chain walked in
	// a single ExecuteCurrent call.
	DefaultMaxAutoTransitions = 16

	// DefaultMaxActions caps transitions and published actions per plan.
	// Exceeding it forces finalization with the best available partial
	// result; it is the only built-in safety valve against runaway loops.
	DefaultMaxActions = 64
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Source identifies the publishing component on emitted envelopes.
	Source string

	// MaxAutoTransitions caps a single auto-transition chain.
	MaxAutoTransitions int

	// MaxActions is the per-plan action budget.
	MaxActions int

	// Logger for runner events.
	Logger *slog.Logger
}

// Runner executes plan state machines. It owns all plan mutation: every
// write goes through the store's compare-and-swap, and losing writers
// re-read and reapply, so transitions within a single plan are strictly
// ordered even under concurrent result deliveries.
type Runner struct {
	store   store.Store
	source  string
	maxAuto int
	maxActs int
	logger  *slog.Logger
}

// NewRunner creates a Runner on the given store.
func NewRunner(s store.Store, cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAuto := cfg.MaxAutoTransitions
	if maxAuto <= 0 {
		maxAuto = DefaultMaxAutoTransitions
	}
	maxActs := cfg.MaxActions
	if maxActs <= 0 {
		maxActs = DefaultMaxActions
	}
	source := cfg.Source
	if source == "" {
		source = "planflow"
	}
	return &Runner{
		store:   s,
		source:  source,
		maxAuto: maxAuto,
		maxActs: maxActs,
		logger:  logger,
	}
}

// Create validates the definition, builds a running plan from the goal
// view, and persists it. The definition is copied into the record so the
// plan survives definition changes.
func (r *Runner) Create(ctx context.Context, goal envelope.GoalView, def *Definition) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	initial, _ := def.InitialState()

	traceID := goal.TraceID
	if traceID == "" {
		traceID = envelope.NewID()
	}

	now := time.Now().UTC()
	p := &Plan{
		PlanID:            envelope.NewID(),
		GoalEvent:         goal.EventType,
		GoalData:          goal.Data,
		Machine:           *def,
		CurrentState:      initial.Name,
		State:             map[string]any{},
		Status:            StatusRunning,
		GoalCorrelationID: goal.CorrelationID,
		ResponseEvent:     goal.ResponseEvent,
		ResponseTopic:     goal.ResponseTopic.String(),
		TraceID:           traceID,
		RootEventID:       goal.ID,
		LastEventID:       goal.ID,
		TenantID:          goal.TenantID,
		UserID:            goal.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastProgressAt:    now,
	}

	if err := r.persist(ctx, p); err != nil {
		return nil, fmt.Errorf("create plan %s: %w", p.PlanID, err)
	}

	r.logger.Info("Plan created",
		"plan_id", p.PlanID,
		"goal_event", p.GoalEvent,
		"definition", def.Name,
		"initial_state", initial.Name,
		"trace_id", p.TraceID)
	plansCreated.Inc()

	return p, nil
}

// ExecuteCurrent executes the plan's current state: if the state has an
// action, the rendered request envelope is persisted against the plan and
// returned for the caller to publish; action-less states with a
// default_next auto-advance (capped, ErrStateMachineCycle beyond the
// cap); terminal states finalize. The returned envelopes are requests
// and, on finalization, the plan's terminal result event.
func (r *Runner) ExecuteCurrent(ctx context.Context, p *Plan) ([]*envelope.EventEnvelope, error) {
	if p.Status.IsTerminal() {
		return nil, nil
	}

	for hops := 0; ; hops++ {
		if hops >= r.maxAuto {
			return nil, fmt.Errorf("%w: plan %s exceeded %d auto-transitions at %q",
				ErrStateMachineCycle, p.PlanID, r.maxAuto, p.CurrentState)
		}

		if p.ActionCount >= r.maxActs {
			r.logger.Warn("Plan action budget exhausted, forcing finalization",
				"plan_id", p.PlanID,
				"action_count", p.ActionCount,
				"budget", r.maxActs)
			final, err := r.Finalize(ctx, p, p.State)
			if err != nil {
				return nil, err
			}
			if final == nil {
				return nil, nil
			}
			return []*envelope.EventEnvelope{final}, nil
		}

		cfg, ok := p.CurrentConfig()
		if !ok {
			return nil, fmt.Errorf("plan %s: unknown current state %q", p.PlanID, p.CurrentState)
		}

		if cfg.Terminal {
			final, err := r.Finalize(ctx, p, p.State)
			if err != nil {
				return nil, err
			}
			if final == nil {
				return nil, nil
			}
			return []*envelope.EventEnvelope{final}, nil
		}

		if cfg.Action != nil {
			return r.executeAction(ctx, p, cfg)
		}

		if cfg.DefaultNext == "" {
			// Waiting state: nothing to publish until a transition event.
			return nil, nil
		}
		p.CurrentState = cfg.DefaultNext
	}
}

// executeAction renders the action template, persists the plan with the
// incremented action counter, indexes the fresh correlation id, and
// returns the request envelope. The record and index are written before
// the caller publishes, so a response can never arrive for a correlation
// id the store has not seen.
func (r *Runner) executeAction(ctx context.Context, p *Plan, cfg *StateConfig) ([]*envelope.EventEnvelope, error) {
	tctx := map[string]any{
		"goal_data": p.GoalData,
		"state":     p.State,
	}
	data, err := RenderData(cfg.Action.Data, tctx)
	if err != nil {
		return nil, fmt.Errorf("plan %s state %q: %w", p.PlanID, cfg.Name, err)
	}

	topic := cfg.Action.Topic
	if topic == "" {
		topic = envelope.TopicRequest
	}

	req := envelope.New(topic, cfg.Action.EventType, data, r.source)
	req.CorrelationID = envelope.NewID()
	req.TraceID = p.TraceID
	req.ParentEventID = p.LastEventID
	req.ResponseEvent = cfg.Action.ResponseEvent
	req.ResponseTopic = envelope.TopicResult
	req.TenantID = p.TenantID
	req.UserID = p.UserID

	p.ActionCount++
	if err := r.persist(ctx, p); err != nil {
		return nil, fmt.Errorf("persist plan %s: %w", p.PlanID, err)
	}
	if err := r.store.IndexCorrelation(ctx, req.CorrelationID, store.Ref{Kind: store.KindPlan, Key: p.PlanID}); err != nil {
		return nil, fmt.Errorf("index correlation for plan %s: %w", p.PlanID, err)
	}

	r.logger.Debug("Plan action published",
		"plan_id", p.PlanID,
		"state", cfg.Name,
		"event_type", req.EventType,
		"correlation_id", req.CorrelationID)

	return []*envelope.EventEnvelope{req}, nil
}

// ApplyTransition advances the plan using the inbound result. The first
// declared transition matching the result's event type wins; with no
// match and no default_next the event is not a valid trigger and
// ErrUnexpectedTransition is returned. The write is compare-and-swapped;
// a losing writer re-reads the plan and reapplies, so exactly one of two
// concurrent callers mutates each version.
func (r *Runner) ApplyTransition(ctx context.Context, p *Plan, res envelope.ResultView) (*Plan, error) {
	for {
		if p.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: plan %s is %s", ErrUnexpectedTransition, p.PlanID, p.Status)
		}

		cfg, ok := p.CurrentConfig()
		if !ok {
			return nil, fmt.Errorf("plan %s: unknown current state %q", p.PlanID, p.CurrentState)
		}

		next := ""
		for _, t := range cfg.Transitions {
			if t.OnEvent == res.EventType {
				next = t.ToState
				break
			}
		}
		if next == "" {
			next = cfg.DefaultNext
		}
		if next == "" {
			return nil, fmt.Errorf("%w: event %q in state %q of plan %s",
				ErrUnexpectedTransition, res.EventType, p.CurrentState, p.PlanID)
		}

		p.CurrentState = next
		if p.State == nil {
			p.State = map[string]any{}
		}
		for k, v := range res.Data {
			p.State[k] = v
		}
		p.ActionCount++
		p.LastEventID = res.ID

		err := r.persist(ctx, p)
		if err == nil {
			transitionsApplied.Inc()
			r.logger.Debug("Plan transition applied",
				"plan_id", p.PlanID,
				"event_type", res.EventType,
				"to_state", next)
			return p, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("persist plan %s: %w", p.PlanID, err)
		}

		versionConflicts.Inc()
		fresh, loadErr := Load(ctx, r.store, p.PlanID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload plan %s after conflict: %w", p.PlanID, loadErr)
		}
		p = fresh
	}
}

// IsTerminal reports whether the plan's current state is terminal.
func (r *Runner) IsTerminal(p *Plan) bool {
	if p.Status.IsTerminal() {
		return true
	}
	cfg, ok := p.CurrentConfig()
	return ok && cfg.Terminal
}

// Finalize marks the plan complete and returns the terminal result
// envelope, exactly once: the compare-and-swap flip from running to
// complete elects a single winner, and every other caller (including
// repeated calls by the winner) gets nil without an event. The result
// event is the goal's originally requested response, when it asked for
// one.
func (r *Runner) Finalize(ctx context.Context, p *Plan, resultData map[string]any) (*envelope.EventEnvelope, error) {
	for {
		if p.Status.IsTerminal() {
			return nil, nil
		}

		now := time.Now().UTC()
		p.Status = StatusComplete
		p.FinalizedAt = &now

		err := r.persist(ctx, p)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("finalize plan %s: %w", p.PlanID, err)
		}
		versionConflicts.Inc()
		fresh, loadErr := Load(ctx, r.store, p.PlanID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload plan %s after conflict: %w", p.PlanID, loadErr)
		}
		*p = *fresh
	}

	plansFinalized.Inc()
	r.logger.Info("Plan finalized",
		"plan_id", p.PlanID,
		"goal_event", p.GoalEvent,
		"actions", p.ActionCount)

	if p.ResponseEvent == "" {
		return nil, nil
	}

	topic, err := envelope.ParseTopic(p.ResponseTopic)
	if err != nil {
		topic = envelope.TopicResult
	}
	result := envelope.New(topic, p.ResponseEvent, resultData, r.source)
	result.CorrelationID = p.GoalCorrelationID
	result.TraceID = p.TraceID
	result.ParentEventID = p.LastEventID
	result.TenantID = p.TenantID
	result.UserID = p.UserID
	return result, nil
}

// Fail marks the plan failed, exactly once, and returns an error signal
// envelope for the caller to publish.
func (r *Runner) Fail(ctx context.Context, p *Plan, reason string) (*envelope.EventEnvelope, error) {
	for {
		if p.Status.IsTerminal() {
			return nil, nil
		}

		now := time.Now().UTC()
		p.Status = StatusFailed
		p.FinalizedAt = &now
		if p.State == nil {
			p.State = map[string]any{}
		}
		p.State["error"] = reason

		err := r.persist(ctx, p)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("fail plan %s: %w", p.PlanID, err)
		}
		versionConflicts.Inc()
		fresh, loadErr := Load(ctx, r.store, p.PlanID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload plan %s after conflict: %w", p.PlanID, loadErr)
		}
		*p = *fresh
	}

	plansFailed.Inc()
	r.logger.Warn("Plan failed",
		"plan_id", p.PlanID,
		"goal_event", p.GoalEvent,
		"reason", reason)

	sig := envelope.New(envelope.TopicSignal, "plan.failed", map[string]any{
		"plan_id": p.PlanID,
		"error":   reason,
	}, r.source)
	sig.CorrelationID = p.GoalCorrelationID
	sig.TraceID = p.TraceID
	sig.ParentEventID = p.LastEventID
	return sig, nil
}

// persist writes the plan under the store's compare-and-swap and bumps
// the in-memory version on success.
func (r *Runner) persist(ctx context.Context, p *Plan) error {
	now := time.Now().UTC()
	p.UpdatedAt = now
	p.LastProgressAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	version, err := r.store.Put(ctx, store.KindPlan, p.PlanID, data, p.Version)
	if err != nil {
		return err
	}
	p.Version = version
	return nil
}

// Load reads a plan record and its version from the store.
func Load(ctx context.Context, s store.Store, planID string) (*Plan, error) {
	data, version, err := s.Get(ctx, store.KindPlan, planID)
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", planID, err)
	}
	p.Version = version
	return &p, nil
}
