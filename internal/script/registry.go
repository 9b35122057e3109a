package script

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultEngine is the engine used when no name is configured.
const DefaultEngine = "goja"

// ErrEngineNotRegistered is returned when resolving an unknown engine name.
var ErrEngineNotRegistered = errors.New("engine is not registered")

// EngineInfo pairs an engine name with its capabilities.
type EngineInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

type registration struct {
	factory Factory
	caps    Capabilities
}

// Registry holds engine factories keyed by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]registration),
	}
}

// DefaultRegistry returns a registry with the built-in goja engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DefaultEngine, NewGoja, GojaCapabilities)
	return r
}

// Register adds a factory under the given name, replacing any previous one.
func (r *Registry) Register(name string, f Factory, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caps.Name == "" {
		caps.Name = name
	}
	r.factories[name] = registration{factory: f, caps: caps}
}

// Resolve returns the factory registered under name. An empty name
// resolves to DefaultEngine.
func (r *Registry) Resolve(name string) (Factory, error) {
	if name == "" {
		name = DefaultEngine
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, name)
	}
	return reg.factory, nil
}

// List returns information about all registered engines, sorted by name.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(r.factories))
	for name, reg := range r.factories {
		infos = append(infos, EngineInfo{
			Name:         name,
			Capabilities: reg.caps,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
