package envelope

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTopicIsValid(t *testing.T) {
	tests := []struct {
		topic Topic
		want  bool
	}{
		{TopicGoal, true},
		{TopicRequest, true},
		{TopicResult, true},
		{TopicSignal, true},
		{Topic("goals"), false},
		{Topic(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			if got := tt.topic.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopicSubject(t *testing.T) {
	if got := TopicResult.Subject(); got != "planflow.result" {
		t.Errorf("Subject() = %q, want planflow.result", got)
	}
}

func TestParseTopic(t *testing.T) {
	got, err := ParseTopic("request")
	if err != nil {
		t.Fatalf("ParseTopic(request) error = %v", err)
	}
	if got != TopicRequest {
		t.Errorf("ParseTopic(request) = %q", got)
	}

	if _, err := ParseTopic("nonsense"); err == nil {
		t.Error("ParseTopic(nonsense) expected error")
	}
}

func TestNewAndValidate(t *testing.T) {
	env := New(TopicGoal, "plan.requested", map[string]any{"slug": "add-auth"}, "test")

	if env.ID == "" {
		t.Error("New() left ID empty")
	}
	if env.Timestamp.IsZero() {
		t.Error("New() left Timestamp zero")
	}
	if err := env.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EventEnvelope)
	}{
		{"missing id", func(e *EventEnvelope) { e.ID = "" }},
		{"missing event type", func(e *EventEnvelope) { e.EventType = "" }},
		{"unknown topic", func(e *EventEnvelope) { e.Topic = "bogus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := New(TopicGoal, "plan.requested", nil, "test")
			tt.mutate(env)
			if err := env.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}

func TestAsResultRequiresCorrelationID(t *testing.T) {
	env := New(TopicResult, "research.completed", nil, "test")

	if _, err := AsResult(env); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("AsResult without correlation_id: error = %v, want ErrMalformedEnvelope", err)
	}

	env.CorrelationID = NewID()
	res, err := AsResult(env)
	if err != nil {
		t.Fatalf("AsResult() error = %v", err)
	}
	if res.CorrelationID != env.CorrelationID {
		t.Error("view does not expose underlying envelope")
	}
}

func TestAsTaskRequiresCorrelationID(t *testing.T) {
	env := New(TopicRequest, "task.delegate", nil, "test")
	if _, err := AsTask(env); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("AsTask without correlation_id: error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestAsGoalIsPure(t *testing.T) {
	env := New(TopicGoal, "plan.requested", map[string]any{"k": "v"}, "test")
	before, _ := json.Marshal(env)

	if _, err := AsGoal(env); err != nil {
		t.Fatalf("AsGoal() error = %v", err)
	}

	after, _ := json.Marshal(env)
	if string(before) != string(after) {
		t.Error("AsGoal mutated the envelope")
	}
}

func TestResponse(t *testing.T) {
	req := New(TopicRequest, "research.requested", nil, "runner")
	req.CorrelationID = NewID()
	req.TraceID = NewID()
	req.ResponseEvent = "research.completed"
	req.ResponseTopic = TopicResult
	req.TenantID = "acme"
	req.UserID = "u-1"

	resp := req.Response(map[string]any{"ok": true}, "researcher")

	if resp.EventType != "research.completed" {
		t.Errorf("EventType = %q", resp.EventType)
	}
	if resp.Topic != TopicResult {
		t.Errorf("Topic = %q", resp.Topic)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Error("correlation_id not propagated")
	}
	if resp.TraceID != req.TraceID {
		t.Error("trace_id not propagated")
	}
	if resp.ParentEventID != req.ID {
		t.Error("parent_event_id should be the inbound envelope id")
	}
	if resp.TenantID != "acme" || resp.UserID != "u-1" {
		t.Error("tenant/user not propagated")
	}
	if resp.ID == req.ID {
		t.Error("response must get a fresh id")
	}
}

func TestResponseDefaults(t *testing.T) {
	req := New(TopicRequest, "research.requested", nil, "runner")
	req.CorrelationID = NewID()

	resp := req.Response(nil, "researcher")

	if resp.EventType != "research.requested.response" {
		t.Errorf("EventType = %q, want research.requested.response", resp.EventType)
	}
	if resp.Topic != TopicResult {
		t.Errorf("Topic = %q, want result", resp.Topic)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("NewID() returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %s", id)
		}
		seen[id] = true
	}
}
