package bus

import (
	"context"
	"sync"

	"github.com/c360studio/planflow/envelope"
)

// Memory is an in-process EventBus for tests and single-process runs.
// Delivery is synchronous: Publish invokes one handler per queue group
// (round-robin within the group) before returning, which keeps tests
// deterministic.
type Memory struct {
	mu     sync.Mutex
	groups map[envelope.Topic]map[string]*memGroup
	closed bool
}

type memGroup struct {
	handlers []Handler
	next     int
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{groups: make(map[envelope.Topic]map[string]*memGroup)}
}

// Publish implements EventBus.
func (m *Memory) Publish(ctx context.Context, env *envelope.EventEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	var targets []Handler
	for _, g := range m.groups[env.Topic] {
		if len(g.handlers) == 0 {
			continue
		}
		h := g.handlers[g.next%len(g.handlers)]
		g.next++
		targets = append(targets, h)
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(ctx, env)
	}
	return env.ID, nil
}

// Subscribe implements EventBus.
func (m *Memory) Subscribe(_ context.Context, topic envelope.Topic, queue string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byQueue, ok := m.groups[topic]
	if !ok {
		byQueue = make(map[string]*memGroup)
		m.groups[topic] = byQueue
	}
	g, ok := byQueue[queue]
	if !ok {
		g = &memGroup{}
		byQueue[queue] = g
	}
	g.handlers = append(g.handlers, h)
	return nil
}

// Close implements EventBus.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[envelope.Topic]map[string]*memGroup)
	m.closed = true
	return nil
}
