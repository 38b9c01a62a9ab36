package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/planflow/bus"
	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/registry"
	"github.com/c360studio/planflow/store"
)

func researchDefinition() *plan.Definition {
	return &plan.Definition{
		Name:      "research-flow",
		GoalEvent: "article.requested",
		States: []plan.StateConfig{
			{
				Name:    "researching",
				Initial: true,
				Action: &plan.ActionConfig{
					EventType:     "research.requested",
					ResponseEvent: "research.completed",
					Data: map[string]any{
						"topic": "{{goal_data.topic}}",
					},
				},
				Transitions: []plan.Transition{
					{OnEvent: "research.completed", ToState: "done"},
				},
			},
			{Name: "done", Terminal: true},
		},
	}
}

func testLibrary(t *testing.T, defs ...*plan.Definition) *plan.Library {
	t.Helper()
	lib := plan.NewLibrary(plan.LibraryConfig{Dir: t.TempDir()})
	for _, def := range defs {
		require.NoError(t, def.Validate())
		lib.Put(def)
	}
	return lib
}

func newTestComponent(t *testing.T, defs ...*plan.Definition) (*Component, *bus.Memory, store.Store) {
	t.Helper()
	b := bus.NewMemory()
	s := store.NewMemory()

	c, err := NewComponent(Config{}, Dependencies{
		Bus:     b,
		Store:   s,
		Library: testLibrary(t, defs...),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(0) })
	return c, b, s
}

// capture subscribes outside the worker's queue group so it observes
// every published envelope without stealing deliveries.
func capture(t *testing.T, b *bus.Memory, topic envelope.Topic) *[]*envelope.EventEnvelope {
	t.Helper()
	var seen []*envelope.EventEnvelope
	err := b.Subscribe(context.Background(), topic, "test-observer", func(_ context.Context, env *envelope.EventEnvelope) {
		seen = append(seen, env)
	})
	require.NoError(t, err)
	return &seen
}

func TestNewComponentRequiresDependencies(t *testing.T) {
	deps := Dependencies{
		Bus:     bus.NewMemory(),
		Store:   store.NewMemory(),
		Library: plan.NewLibrary(plan.LibraryConfig{Dir: t.TempDir()}),
	}

	tests := []struct {
		name   string
		mutate func(*Dependencies)
	}{
		{"missing bus", func(d *Dependencies) { d.Bus = nil }},
		{"missing store", func(d *Dependencies) { d.Store = nil }},
		{"missing library", func(d *Dependencies) { d.Library = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deps
			tt.mutate(&d)
			_, err := NewComponent(Config{}, d)
			assert.Error(t, err)
		})
	}
}

func TestGoalPublishesFirstAction(t *testing.T) {
	_, b, s := newTestComponent(t, researchDefinition())
	requests := capture(t, b, envelope.TopicRequest)

	goal := envelope.New(envelope.TopicGoal, "article.requested", map[string]any{
		"topic": "event sourcing",
	}, "test")
	goal.ResponseEvent = "article.completed"
	goal.ResponseTopic = envelope.TopicResult
	_, err := b.Publish(context.Background(), goal)
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "research.requested", req.EventType)
	assert.Equal(t, "event sourcing", req.Data["topic"])
	assert.NotEmpty(t, req.CorrelationID)

	// The correlation index resolves to the persisted plan.
	ref, err := s.FindByCorrelation(context.Background(), req.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, store.KindPlan, ref.Kind)
}

func TestGoalWithoutDefinitionIsDropped(t *testing.T) {
	c, b, _ := newTestComponent(t, researchDefinition())
	requests := capture(t, b, envelope.TopicRequest)

	goal := envelope.New(envelope.TopicGoal, "unknown.goal", nil, "test")
	_, err := b.Publish(context.Background(), goal)
	require.NoError(t, err)

	assert.Empty(t, *requests)
	assert.Equal(t, int64(1), c.Health().Dropped)
}

func TestResultDrivesPlanToCompletion(t *testing.T) {
	_, b, _ := newTestComponent(t, researchDefinition())
	requests := capture(t, b, envelope.TopicRequest)
	results := capture(t, b, envelope.TopicResult)

	goal := envelope.New(envelope.TopicGoal, "article.requested", map[string]any{
		"topic": "event sourcing",
	}, "test")
	goal.ResponseEvent = "article.completed"
	goal.ResponseTopic = envelope.TopicResult
	_, err := b.Publish(context.Background(), goal)
	require.NoError(t, err)
	require.Len(t, *requests, 1)

	// A responder replies to the published request.
	resp := (*requests)[0].Response(map[string]any{"notes": "findings"}, "researcher")
	_, err = b.Publish(context.Background(), resp)
	require.NoError(t, err)

	// The plan transitions to its terminal state and emits the goal's
	// requested result event. The responder's reply is also on the
	// result topic, so the final event is the last one observed.
	require.NotEmpty(t, *results)
	final := (*results)[len(*results)-1]
	assert.Equal(t, "article.completed", final.EventType)
	assert.Equal(t, "findings", final.Data["notes"])
	assert.Equal(t, goal.TraceID, final.TraceID)
}

func TestOrphanResultIsDropped(t *testing.T) {
	c, b, _ := newTestComponent(t, researchDefinition())

	res := envelope.New(envelope.TopicResult, "work.completed", nil, "test")
	res.CorrelationID = envelope.NewID()
	_, err := b.Publish(context.Background(), res)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Health().Dropped)
}

func TestUnexpectedResultEventIsDropped(t *testing.T) {
	c, b, s := newTestComponent(t, researchDefinition())
	requests := capture(t, b, envelope.TopicRequest)

	// Absorb the plan's own request events so the drop counter only
	// reflects the unexpected result below.
	c.RegisterHandler(envelope.TopicRequest, "research.requested", func(context.Context, *envelope.EventEnvelope) {})

	goal := envelope.New(envelope.TopicGoal, "article.requested", map[string]any{"topic": "x"}, "test")
	_, err := b.Publish(context.Background(), goal)
	require.NoError(t, err)
	require.Len(t, *requests, 1)
	req := (*requests)[0]

	// A reply under an undeclared event type is not a valid trigger.
	bogus := envelope.New(envelope.TopicResult, "never.declared", nil, "test")
	bogus.CorrelationID = req.CorrelationID
	_, err = b.Publish(context.Background(), bogus)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Health().Dropped)

	// The plan did not move.
	ref, err := s.FindByCorrelation(context.Background(), req.CorrelationID)
	require.NoError(t, err)
	p, err := plan.Load(context.Background(), s, ref.Key)
	require.NoError(t, err)
	assert.Equal(t, "researching", p.CurrentState)
	assert.Equal(t, plan.StatusRunning, p.Status)
}

func TestDelegateRequestFansOutParallel(t *testing.T) {
	_, b, _ := newTestComponent(t, researchDefinition())
	requests := capture(t, b, envelope.TopicRequest)
	results := capture(t, b, envelope.TopicResult)

	delegate := envelope.New(envelope.TopicRequest, "task.delegate", map[string]any{
		"mode":   "parallel",
		"policy": "all",
		"specs": []any{
			map[string]any{"event_type": "fetch.a"},
			map[string]any{"event_type": "fetch.b"},
		},
	}, "test")
	delegate.CorrelationID = envelope.NewID()
	delegate.ResponseEvent = "task.completed"
	delegate.ResponseTopic = envelope.TopicResult
	_, err := b.Publish(context.Background(), delegate)
	require.NoError(t, err)

	// The delegation itself plus the two fanned-out sub-task requests.
	require.Len(t, *requests, 3)
	subA, subB := (*requests)[1], (*requests)[2]
	assert.Equal(t, "fetch.a", subA.EventType)
	assert.Equal(t, "fetch.b", subB.EventType)

	// Sub-task replies arrive out of order; the aggregated task result
	// is emitted once, in delegation order.
	_, err = b.Publish(context.Background(), subB.Response(map[string]any{"n": "b"}, "fetcher"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), subA.Response(map[string]any{"n": "a"}, "fetcher"))
	require.NoError(t, err)

	var completed []*envelope.EventEnvelope
	for _, env := range *results {
		if env.EventType == "task.completed" {
			completed = append(completed, env)
		}
	}
	require.Len(t, completed, 1)
	assert.Equal(t, delegate.CorrelationID, completed[0].CorrelationID)

	rows, ok := completed[0].Data["results"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	first, _ := rows[0].(map[string]any)
	firstData, _ := first["data"].(map[string]any)
	assert.Equal(t, "a", firstData["n"], "aggregation must follow delegation order")
}

func TestDelegateRequestResolvesCapabilities(t *testing.T) {
	b := bus.NewMemory()
	s := store.NewMemory()
	c, err := NewComponent(Config{}, Dependencies{
		Bus:     b,
		Store:   s,
		Library: testLibrary(t, researchDefinition()),
		Resolver: registry.NewStatic(map[string]string{
			"web-search": "search.requested",
		}),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(0) })

	requests := capture(t, b, envelope.TopicRequest)
	c.RegisterHandler(envelope.TopicRequest, "search.requested", func(context.Context, *envelope.EventEnvelope) {})

	delegate := envelope.New(envelope.TopicRequest, "task.delegate", map[string]any{
		"specs": []any{
			map[string]any{"capability": "web-search"},
		},
	}, "test")
	delegate.CorrelationID = envelope.NewID()
	_, err = b.Publish(context.Background(), delegate)
	require.NoError(t, err)

	require.Len(t, *requests, 2)
	assert.Equal(t, "search.requested", (*requests)[1].EventType)

	// An unknown capability makes the delegation request invalid.
	bad := envelope.New(envelope.TopicRequest, "task.delegate", map[string]any{
		"specs": []any{
			map[string]any{"capability": "teleport"},
		},
	}, "test")
	bad.CorrelationID = envelope.NewID()
	_, err = b.Publish(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Health().Dropped)
}

func TestDelegateRequestWithoutSpecsIsDropped(t *testing.T) {
	c, b, _ := newTestComponent(t, researchDefinition())

	delegate := envelope.New(envelope.TopicRequest, "task.delegate", map[string]any{
		"mode": "parallel",
	}, "test")
	delegate.CorrelationID = envelope.NewID()
	_, err := b.Publish(context.Background(), delegate)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Health().Dropped)
}

func TestHealthReflectsLifecycle(t *testing.T) {
	c, b, _ := newTestComponent(t, researchDefinition())

	h := c.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, "running", h.Status)

	res := envelope.New(envelope.TopicResult, "work.completed", nil, "test")
	res.CorrelationID = envelope.NewID()
	_, err := b.Publish(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Health().Handled)
	assert.Equal(t, int64(1), c.Health().Dropped)

	require.NoError(t, c.Stop(0))
	h = c.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, "stopped", h.Status)
}

func TestStartTwiceFails(t *testing.T) {
	c, _, _ := newTestComponent(t, researchDefinition())
	assert.Error(t, c.Start(context.Background()))
}
