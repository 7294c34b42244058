package agent

import (
	"fmt"
	"sync"
)

// Factory builds an Agent from a workflow-declared configuration. The
// execution service installs one factory; workflows auto-register their
// declared agents through it before traversal begins.
type Factory func(id string, config map[string]any) (Agent, error)

// Registry is the shared, concurrency-safe agent registry. Lookup and
// registration may race across executions; presence checks are atomic with
// respect to registration.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]Agent
	factory Factory
}

// NewRegistry returns an empty registry with an optional factory for
// auto-registration.
func NewRegistry(factory Factory) *Registry {
	return &Registry{agents: make(map[string]Agent), factory: factory}
}

// Register installs or replaces the agent under id.
func (r *Registry) Register(id string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
}

// Has reports whether an agent is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", id)
	}
	return a, nil
}

// EnsureRegistered registers the agent under id from the factory when it is
// not already present. Concurrent calls for the same id are safe; the first
// registration wins.
func (r *Registry) EnsureRegistered(id string, config map[string]any) error {
	r.mu.RLock()
	_, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		return nil
	}
	if r.factory == nil {
		return fmt.Errorf("agent %q is not registered and no factory is installed", id)
	}
	a, err := r.factory(id, config)
	if err != nil {
		return fmt.Errorf("auto-register agent %q: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		r.agents[id] = a
	}
	return nil
}
