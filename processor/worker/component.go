// Package worker provides the stateless event handler component that
// drives plans and tasks forward. Each inbound event is handled by an
// independent invocation: the handler restores all context it needs from
// the state store, mutates it under compare-and-swap, publishes, and
// returns. No in-memory continuation survives across a delegation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/planflow/bus"
	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/registry"
	"github.com/c360studio/planflow/router"
	"github.com/c360studio/planflow/store"
	"github.com/c360studio/planflow/task"
)

// Dependencies carries the collaborators the worker runs on.
type Dependencies struct {
	Bus     bus.EventBus
	Store   store.Store
	Library *plan.Library
	Logger  *slog.Logger

	// Resolver maps capability names in delegation specs to event
	// types. Optional; without one, specs must name event types.
	Resolver registry.Resolver
}

// handlerKey routes an envelope to a handler. An empty EventType matches
// any event on the topic; exact matches win.
type handlerKey struct {
	topic     envelope.Topic
	eventType string
}

type handlerFunc func(ctx context.Context, env *envelope.EventEnvelope)

// Component is the planflow worker.
type Component struct {
	name     string
	config   Config
	bus      bus.EventBus
	store    store.Store
	lib      *plan.Library
	runner   *plan.Runner
	engine   *task.Engine
	router   *router.Router
	resolver registry.Resolver
	logger   *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[handlerKey]handlerFunc

	// Lifecycle management
	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc

	// Metrics
	eventsHandled int64
	eventsDropped int64
	lastActivity  time.Time
}

// NewComponent creates a worker component.
func NewComponent(config Config, deps Dependencies) (*Component, error) {
	defaults := DefaultConfig()
	if config.Queue == "" {
		config.Queue = defaults.Queue
	}
	if config.Source == "" {
		config.Source = defaults.Source
	}
	if config.DelegateEventType == "" {
		config.DelegateEventType = defaults.DelegateEventType
	}
	if config.MaxAutoTransitions == 0 {
		config.MaxAutoTransitions = defaults.MaxAutoTransitions
	}
	if config.MaxActions == 0 {
		config.MaxActions = defaults.MaxActions
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("state store required")
	}
	if deps.Library == nil {
		return nil, fmt.Errorf("definition library required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = registry.NewStatic(nil)
	}

	c := &Component{
		name:     "worker",
		config:   config,
		bus:      deps.Bus,
		store:    deps.Store,
		lib:      deps.Library,
		resolver: resolver,
		logger:   logger,
		runner: plan.NewRunner(deps.Store, plan.RunnerConfig{
			Source:             config.Source,
			MaxAutoTransitions: config.MaxAutoTransitions,
			MaxActions:         config.MaxActions,
			Logger:             logger,
		}),
		engine:   task.NewEngine(deps.Store, config.Source, logger),
		router:   router.New(deps.Store, logger),
		handlers: make(map[handlerKey]handlerFunc),
	}

	// The handler registry is populated before any subscription starts;
	// the context adapters run inside each handler, before domain logic.
	c.RegisterHandler(envelope.TopicGoal, "", c.handleGoal)
	c.RegisterHandler(envelope.TopicResult, "", c.handleResult)
	c.RegisterHandler(envelope.TopicRequest, config.DelegateEventType, c.handleDelegateRequest)

	return c, nil
}

// RegisterHandler binds a handler to a (topic, event type) pair. An empty
// event type registers the topic's fallback handler.
func (c *Component) RegisterHandler(topic envelope.Topic, eventType string, h handlerFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[handlerKey{topic: topic, eventType: eventType}] = h
}

// Start subscribes the worker to its topics.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	for _, topic := range []envelope.Topic{envelope.TopicGoal, envelope.TopicResult, envelope.TopicRequest} {
		if err := c.bus.Subscribe(runCtx, topic, c.config.Queue, c.dispatch); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	c.logger.Info("Worker started",
		"queue", c.config.Queue,
		"goal_events", c.lib.GoalEvents())
	return nil
}

// dispatch routes an envelope to the registered handler: exact
// (topic, event type) first, then the topic's fallback.
func (c *Component) dispatch(ctx context.Context, env *envelope.EventEnvelope) {
	c.mu.Lock()
	c.eventsHandled++
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.handlerMu.RLock()
	h, ok := c.handlers[handlerKey{topic: env.Topic, eventType: env.EventType}]
	if !ok {
		h, ok = c.handlers[handlerKey{topic: env.Topic, eventType: ""}]
	}
	c.handlerMu.RUnlock()

	if !ok {
		c.drop("no handler", env, nil)
		return
	}
	h(ctx, env)
}

// drop logs a discarded envelope. Dropped events are never retried here;
// redelivery belongs to the transport.
func (c *Component) drop(reason string, env *envelope.EventEnvelope, err error) {
	c.mu.Lock()
	c.eventsDropped++
	c.mu.Unlock()

	c.logger.Warn("Dropping event",
		"reason", reason,
		"topic", env.Topic,
		"event_type", env.EventType,
		"event_id", env.ID,
		"correlation_id", env.CorrelationID,
		"error", err)
}

// publish sends every produced envelope to the bus.
func (c *Component) publish(ctx context.Context, envs []*envelope.EventEnvelope) {
	for _, env := range envs {
		if env == nil {
			continue
		}
		if _, err := c.bus.Publish(ctx, env); err != nil {
			c.logger.Error("Publish failed",
				"topic", env.Topic,
				"event_type", env.EventType,
				"error", err)
		}
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false

	c.logger.Info("Worker stopped",
		"events_handled", c.eventsHandled,
		"events_dropped", c.eventsDropped)
	return nil
}

// HealthStatus describes the worker's runtime health.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Status       string        `json:"status"`
	Uptime       time.Duration `json:"uptime"`
	LastCheck    time.Time     `json:"last_check"`
	Handled      int64         `json:"events_handled"`
	Dropped      int64         `json:"events_dropped"`
	LastActivity time.Time     `json:"last_activity"`
}

// Health returns the current health status.
func (c *Component) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "stopped"
	if c.running {
		status = "running"
	}
	return HealthStatus{
		Healthy:      c.running,
		Status:       status,
		Uptime:       time.Since(c.startTime),
		LastCheck:    time.Now(),
		Handled:      c.eventsHandled,
		Dropped:      c.eventsDropped,
		LastActivity: c.lastActivity,
	}
}
