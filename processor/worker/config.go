package worker

import "fmt"

// Config configures the worker component.
type Config struct {
	// Queue is the bus queue group the worker consumes in. Every worker
	// process sharing the group load-balances the same subscriptions.
	Queue string `json:"queue" yaml:"queue"`

	// Source identifies this worker on published envelopes.
	Source string `json:"source" yaml:"source"`

	// DelegateEventType is the request event type this worker accepts
	// for declarative delegation requests.
	DelegateEventType string `json:"delegate_event_type" yaml:"delegate_event_type"`

	// MaxAutoTransitions caps a single auto-transition chain.
	MaxAutoTransitions int `json:"max_auto_transitions" yaml:"max_auto_transitions"`

	// MaxActions is the per-plan action budget.
	MaxActions int `json:"max_actions" yaml:"max_actions"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Queue:              "planflow-workers",
		Source:             "planflow-worker",
		DelegateEventType:  "task.delegate",
		MaxAutoTransitions: 16,
		MaxActions:         64,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.MaxAutoTransitions < 0 {
		return fmt.Errorf("max_auto_transitions must be non-negative")
	}
	if c.MaxActions < 0 {
		return fmt.Errorf("max_actions must be non-negative")
	}
	return nil
}
