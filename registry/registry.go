// Package registry resolves capability names to event types. The engine
// accepts event types as given; resolution is only consulted when a
// delegator names a capability instead of a concrete event.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownCapability is returned when no event type is registered for
// a capability.
var ErrUnknownCapability = errors.New("unknown capability")

// Resolver maps a capability to the event type that exercises it.
type Resolver interface {
	Resolve(capability string) (string, error)
}

// Static is a Resolver over a fixed capability table.
type Static struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewStatic creates a Static resolver from a capability table.
func NewStatic(table map[string]string) *Static {
	m := make(map[string]string, len(table))
	for k, v := range table {
		m[k] = v
	}
	return &Static{m: m}
}

// Resolve implements Resolver.
func (s *Static) Resolve(capability string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventType, ok := s.m[capability]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	return eventType, nil
}

// Register adds or replaces a capability mapping.
func (s *Static) Register(capability, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[capability] = eventType
}
