package plan

import (
	"errors"
	"fmt"

	"github.com/c360studio/planflow/envelope"
)

// ErrStateMachineCycle is returned when a chain of action-less
// default_next states loops. Statically detectable cycles are rejected at
// definition validation time; the runtime iteration cap in the Runner
// guards the rest.
var ErrStateMachineCycle = errors.New("state machine cycle")

// Transition maps an inbound event type to the next state. Declaration
// order is significant: the first declared match wins.
type Transition struct {
	// OnEvent is the inbound event type that triggers the transition.
	OnEvent string `json:"on_event" yaml:"on_event"`

	// ToState is the state to advance to.
	ToState string `json:"to_state" yaml:"to_state"`
}

// ActionConfig describes the request published on state entry. Data
// values are templates rendered against {goal_data, state}.
type ActionConfig struct {
	// EventType is the request event to publish.
	EventType string `json:"event_type" yaml:"event_type"`

	// ResponseEvent is the event type the responder should reply under.
	ResponseEvent string `json:"response_event" yaml:"response_event"`

	// Topic overrides the request topic. Defaults to the request channel.
	Topic envelope.Topic `json:"topic,omitempty" yaml:"topic,omitempty"`

	// Data is the templated request payload.
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// StateConfig describes one named state in a plan's state machine.
type StateConfig struct {
	// Name identifies the state.
	Name string `json:"state_name" yaml:"name"`

	// Initial marks the state executed on plan creation. Exactly one
	// state per definition carries it.
	Initial bool `json:"initial,omitempty" yaml:"initial,omitempty"`

	// Action, if set, is published on entry to this state.
	Action *ActionConfig `json:"action,omitempty" yaml:"action,omitempty"`

	// Transitions maps inbound event types to next states, in
	// declaration order.
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`

	// DefaultNext is the state to advance to when no transition matches,
	// or immediately when the state has no action (auto-transition).
	DefaultNext string `json:"default_next,omitempty" yaml:"default_next,omitempty"`

	// Terminal marks a final state: no action, no outgoing transitions.
	Terminal bool `json:"is_terminal,omitempty" yaml:"terminal,omitempty"`
}

// Definition is a declarative state machine bound to a goal event type.
// States are held as an ordered list so declaration order survives
// serialization round-trips.
type Definition struct {
	// Name identifies the definition.
	Name string `json:"name" yaml:"name"`

	// GoalEvent is the goal event type that instantiates this machine.
	GoalEvent string `json:"goal_event" yaml:"goal_event"`

	// States are the machine's states in declaration order.
	States []StateConfig `json:"states" yaml:"states"`
}

// State returns the config for a named state.
func (d *Definition) State(name string) (*StateConfig, bool) {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i], true
		}
	}
	return nil, false
}

// InitialState returns the state marked initial. Valid definitions have
// exactly one; callers should Validate first.
func (d *Definition) InitialState() (*StateConfig, bool) {
	for i := range d.States {
		if d.States[i].Initial {
			return &d.States[i], true
		}
	}
	return nil, false
}

// Validate checks the structural invariants of the definition: exactly
// one initial state, every referenced state exists, terminal states have
// no action and no outgoing transitions, and action-less default_next
// chains do not cycle.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition: name is required")
	}
	if d.GoalEvent == "" {
		return fmt.Errorf("definition %s: goal_event is required", d.Name)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("definition %s: at least one state is required", d.Name)
	}

	names := make(map[string]bool, len(d.States))
	initial := 0
	for i := range d.States {
		s := &d.States[i]
		if s.Name == "" {
			return fmt.Errorf("definition %s: state %d has no name", d.Name, i)
		}
		if names[s.Name] {
			return fmt.Errorf("definition %s: duplicate state %q", d.Name, s.Name)
		}
		names[s.Name] = true
		if s.Initial {
			initial++
		}
	}
	if initial != 1 {
		return fmt.Errorf("definition %s: exactly one initial state required, found %d", d.Name, initial)
	}

	for i := range d.States {
		s := &d.States[i]
		if s.Terminal {
			if s.Action != nil {
				return fmt.Errorf("definition %s: terminal state %q has an action", d.Name, s.Name)
			}
			if len(s.Transitions) > 0 || s.DefaultNext != "" {
				return fmt.Errorf("definition %s: terminal state %q has outgoing transitions", d.Name, s.Name)
			}
			continue
		}
		if s.Action != nil {
			if s.Action.EventType == "" {
				return fmt.Errorf("definition %s: state %q action has no event_type", d.Name, s.Name)
			}
			if s.Action.Topic != "" && !s.Action.Topic.IsValid() {
				return fmt.Errorf("definition %s: state %q action has unknown topic %q", d.Name, s.Name, s.Action.Topic)
			}
		}
		for _, t := range s.Transitions {
			if t.OnEvent == "" {
				return fmt.Errorf("definition %s: state %q has a transition without on_event", d.Name, s.Name)
			}
			if !names[t.ToState] {
				return fmt.Errorf("definition %s: state %q transition %q references unknown state %q",
					d.Name, s.Name, t.OnEvent, t.ToState)
			}
		}
		if s.DefaultNext != "" && !names[s.DefaultNext] {
			return fmt.Errorf("definition %s: state %q default_next references unknown state %q",
				d.Name, s.Name, s.DefaultNext)
		}
	}

	if err := d.checkAutoCycles(); err != nil {
		return err
	}
	return nil
}

// checkAutoCycles follows the auto-transition chain (action-less states
// with a default_next) from every state and rejects loops.
func (d *Definition) checkAutoCycles() error {
	for i := range d.States {
		seen := map[string]bool{}
		s := &d.States[i]
		for s != nil && !s.Terminal && s.Action == nil && s.DefaultNext != "" {
			if seen[s.Name] {
				return fmt.Errorf("%w: definition %s: auto-transition loop through %q",
					ErrStateMachineCycle, d.Name, s.Name)
			}
			seen[s.Name] = true
			next, ok := d.State(s.DefaultNext)
			if !ok {
				break
			}
			s = next
		}
	}
	return nil
}
