package worker

import (
	"context"
	"errors"

	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/router"
	"github.com/c360studio/planflow/task"
)

// handleGoal instantiates a plan for a goal event and executes its
// initial state.
func (c *Component) handleGoal(ctx context.Context, env *envelope.EventEnvelope) {
	goal, err := envelope.AsGoal(env)
	if err != nil {
		c.drop("malformed goal", env, err)
		return
	}

	def, ok := c.lib.Get(goal.EventType)
	if !ok {
		c.drop("no definition for goal event", env, nil)
		return
	}

	p, err := c.runner.Create(ctx, goal, def)
	if err != nil {
		c.logger.Error("Plan creation failed",
			"goal_event", goal.EventType,
			"error", err)
		return
	}

	envs, err := c.runner.ExecuteCurrent(ctx, p)
	if err != nil {
		c.failPlan(ctx, p, err)
		return
	}
	c.publish(ctx, envs)
}

// handleResult restores the owning plan or task for an inbound result
// and drives it forward.
func (c *Component) handleResult(ctx context.Context, env *envelope.EventEnvelope) {
	res, err := envelope.AsResult(env)
	if err != nil {
		c.drop("malformed result", env, err)
		return
	}

	owner, err := c.router.Restore(ctx, res)
	if err != nil {
		if errors.Is(err, router.ErrOrphanResult) {
			c.drop("orphan result", env, err)
			return
		}
		c.logger.Error("Restore failed",
			"correlation_id", res.CorrelationID,
			"error", err)
		return
	}

	switch {
	case owner.Plan != nil:
		c.resumePlan(ctx, owner.Plan, res)
	case owner.Task != nil:
		c.resumeTask(ctx, owner.Task, res)
	}
}

// resumePlan applies the result as a transition and executes the new
// current state.
func (c *Component) resumePlan(ctx context.Context, p *plan.Plan, res envelope.ResultView) {
	advanced, err := c.runner.ApplyTransition(ctx, p, res)
	if err != nil {
		if errors.Is(err, plan.ErrUnexpectedTransition) {
			c.drop("unexpected transition", res.EventEnvelope, err)
			return
		}
		c.logger.Error("Transition failed",
			"plan_id", p.PlanID,
			"event_type", res.EventType,
			"error", err)
		return
	}

	envs, err := c.runner.ExecuteCurrent(ctx, advanced)
	if err != nil {
		c.failPlan(ctx, advanced, err)
		return
	}
	c.publish(ctx, envs)
}

// resumeTask records the sub-task result against the task's pending
// delegation group (or the task itself for sequential delegation) and
// completes the task once its delegations are satisfied.
func (c *Component) resumeTask(ctx context.Context, t *task.Task, res envelope.ResultView) {
	if groupID, ok := t.GroupID(); ok {
		g, satisfied, err := c.engine.RecordSubtaskResult(ctx, groupID, res.CorrelationID, res.Data)
		if err != nil {
			if errors.Is(err, task.ErrUnknownSubtask) {
				c.drop("result for unknown sub-task", res.EventEnvelope, err)
				return
			}
			c.logger.Error("Recording sub-task result failed",
				"task_id", t.TaskID,
				"group_id", groupID,
				"error", err)
			return
		}
		if !satisfied {
			return
		}
		c.completeTask(ctx, t, g.Aggregate())
		return
	}

	done, err := c.engine.RecordSequentialResult(ctx, t, res.CorrelationID, res.Data)
	if err != nil {
		if errors.Is(err, task.ErrUnknownSubtask) {
			c.drop("result for unknown sub-task", res.EventEnvelope, err)
			return
		}
		c.logger.Error("Recording sequential result failed",
			"task_id", t.TaskID,
			"error", err)
		return
	}
	if !done {
		return
	}
	c.completeTask(ctx, t, t.AggregateSequential())
}

func (c *Component) completeTask(ctx context.Context, t *task.Task, results []task.SubtaskResult) {
	resultData := map[string]any{"results": subtaskResultsData(results)}
	resultEnv, err := c.engine.Complete(ctx, t, resultData)
	if err != nil {
		c.logger.Error("Task completion failed",
			"task_id", t.TaskID,
			"error", err)
		return
	}
	if resultEnv != nil {
		c.publish(ctx, []*envelope.EventEnvelope{resultEnv})
	}
}

// handleDelegateRequest creates a task from a declarative delegation
// request and fans out its sub-task requests. The request payload names
// the mode, the aggregation policy, and the sub-task specs; who decided
// those is outside this engine.
func (c *Component) handleDelegateRequest(ctx context.Context, env *envelope.EventEnvelope) {
	req, err := envelope.AsTask(env)
	if err != nil {
		c.drop("malformed task request", env, err)
		return
	}

	specs, mode, policy, err := c.parseDelegation(req.Data)
	if err != nil {
		c.drop("invalid delegation request", env, err)
		return
	}

	t, err := c.engine.Create(ctx, req)
	if err != nil {
		c.logger.Error("Task creation failed",
			"event_type", req.EventType,
			"error", err)
		return
	}

	if mode == task.ModeParallel {
		_, envs, err := c.engine.DelegateParallel(ctx, t, specs, policy)
		if err != nil {
			c.logger.Error("Parallel delegation failed",
				"task_id", t.TaskID,
				"error", err)
			return
		}
		c.publish(ctx, envs)
		return
	}

	for _, spec := range specs {
		_, reqEnv, err := c.engine.DelegateSequential(ctx, t, spec)
		if err != nil {
			c.logger.Error("Sequential delegation failed",
				"task_id", t.TaskID,
				"error", err)
			return
		}
		c.publish(ctx, []*envelope.EventEnvelope{reqEnv})
	}
}

func (c *Component) failPlan(ctx context.Context, p *plan.Plan, cause error) {
	c.logger.Error("Plan execution failed",
		"plan_id", p.PlanID,
		"state", p.CurrentState,
		"error", cause)
	sig, err := c.runner.Fail(ctx, p, cause.Error())
	if err != nil {
		c.logger.Error("Plan failure could not be persisted",
			"plan_id", p.PlanID,
			"error", err)
		return
	}
	if sig != nil {
		c.publish(ctx, []*envelope.EventEnvelope{sig})
	}
}

// parseDelegation extracts delegation specs from a request payload. A
// spec names either an event_type or a capability; capabilities go
// through the resolver.
func (c *Component) parseDelegation(data map[string]any) ([]task.DelegationSpec, task.Mode, task.Policy, error) {
	mode := task.ModeSequential
	if m, ok := data["mode"].(string); ok && task.Mode(m) == task.ModeParallel {
		mode = task.ModeParallel
	}
	policy := task.PolicyAll
	if p, ok := data["policy"].(string); ok && task.Policy(p).IsValid() {
		policy = task.Policy(p)
	}

	raw, ok := data["specs"].([]any)
	if !ok || len(raw) == 0 {
		return nil, mode, policy, errors.New("delegation request has no specs")
	}

	specs := make([]task.DelegationSpec, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, mode, policy, errors.New("delegation spec is not an object")
		}
		eventType, _ := m["event_type"].(string)
		if eventType == "" {
			capability, _ := m["capability"].(string)
			if capability == "" {
				return nil, mode, policy, errors.New("delegation spec missing event_type")
			}
			resolved, err := c.resolver.Resolve(capability)
			if err != nil {
				return nil, mode, policy, err
			}
			eventType = resolved
		}
		spec := task.DelegationSpec{EventType: eventType}
		if re, ok := m["response_event"].(string); ok {
			spec.ResponseEvent = re
		}
		if sd, ok := m["data"].(map[string]any); ok {
			spec.Data = sd
		}
		specs = append(specs, spec)
	}
	return specs, mode, policy, nil
}

func subtaskResultsData(results []task.SubtaskResult) []any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"correlation_id": r.CorrelationID,
			"data":           r.Data,
		})
	}
	return out
}
