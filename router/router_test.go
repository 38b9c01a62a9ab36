package router

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/store"
	"github.com/c360studio/planflow/task"
)

func resultWith(t *testing.T, correlationID string) envelope.ResultView {
	t.Helper()
	env := envelope.New(envelope.TopicResult, "work.completed", nil, "test")
	env.CorrelationID = correlationID
	res, err := envelope.AsResult(env)
	if err != nil {
		t.Fatalf("AsResult: %v", err)
	}
	return res
}

func TestRestorePlanOwner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	runner := plan.NewRunner(s, plan.RunnerConfig{Source: "test"})

	goalEnv := envelope.New(envelope.TopicGoal, "plan.requested", map[string]any{"topic": "x"}, "test")
	goal, err := envelope.AsGoal(goalEnv)
	if err != nil {
		t.Fatal(err)
	}
	def := &plan.Definition{
		Name:      "flow",
		GoalEvent: "plan.requested",
		States: []plan.StateConfig{
			{
				Name:    "working",
				Initial: true,
				Action:  &plan.ActionConfig{EventType: "work.requested"},
				Transitions: []plan.Transition{
					{OnEvent: "work.completed", ToState: "done"},
				},
			},
			{Name: "done", Terminal: true},
		},
	}
	p, err := runner.Create(ctx, goal, def)
	if err != nil {
		t.Fatal(err)
	}
	envs, err := runner.ExecuteCurrent(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	r := New(s, nil)
	owner, err := r.Restore(ctx, resultWith(t, envs[0].CorrelationID))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if owner.Plan == nil {
		t.Fatal("owner.Plan not set")
	}
	if owner.Task != nil {
		t.Error("owner.Task set for a plan correlation")
	}
	if owner.Plan.PlanID != p.PlanID {
		t.Errorf("PlanID = %q, want %q", owner.Plan.PlanID, p.PlanID)
	}
}

func TestRestoreTaskOwnerViaSubtaskIndex(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	engine := task.NewEngine(s, "test", nil)

	reqEnv := envelope.New(envelope.TopicRequest, "task.delegate", nil, "test")
	reqEnv.CorrelationID = envelope.NewID()
	req, err := envelope.AsTask(reqEnv)
	if err != nil {
		t.Fatal(err)
	}
	tk, err := engine.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	corrID, _, err := engine.DelegateSequential(ctx, tk, task.DelegationSpec{EventType: "step.one"})
	if err != nil {
		t.Fatal(err)
	}

	r := New(s, nil)
	owner, err := r.Restore(ctx, resultWith(t, corrID))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if owner.Task == nil {
		t.Fatal("owner.Task not set")
	}
	if owner.Task.TaskID != tk.TaskID {
		t.Errorf("TaskID = %q, want %q", owner.Task.TaskID, tk.TaskID)
	}
}

func TestRestoreOrphanNeverIssued(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory(), nil)

	_, err := r.Restore(ctx, resultWith(t, envelope.NewID()))
	if !errors.Is(err, ErrOrphanResult) {
		t.Errorf("error = %v, want ErrOrphanResult", err)
	}
}

func TestRestoreOrphanArchivedOwner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	// A correlation index pointing at a deleted record: the owner was
	// archived after the request went out.
	corrID := envelope.NewID()
	if err := s.IndexCorrelation(ctx, corrID, store.Ref{Kind: store.KindPlan, Key: "gone"}); err != nil {
		t.Fatal(err)
	}

	r := New(s, nil)
	if _, err := r.Restore(ctx, resultWith(t, corrID)); !errors.Is(err, ErrOrphanResult) {
		t.Errorf("error = %v, want ErrOrphanResult", err)
	}
}
