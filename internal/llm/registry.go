package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/talgya/taleweaver/internal/narrative"
)

// Registry maps model bindings (the per-participant "model" field) to
// generators. The empty binding resolves to the default generator.
type Registry struct {
	mu       sync.RWMutex
	def      Generator
	bindings map[string]Generator
}

// NewRegistry creates a registry with def as the fallback generator.
func NewRegistry(def Generator) *Registry {
	return &Registry{def: def, bindings: make(map[string]Generator)}
}

// Register binds name to g.
func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[name] = g
}

// Default returns the fallback generator.
func (r *Registry) Default() Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Resolve returns the generator for binding. Unknown bindings are a
// configuration error.
func (r *Registry) Resolve(binding string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if binding == "" {
		if r.def == nil {
			return nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("no default model configured"))
		}
		return r.def, nil
	}
	g, ok := r.bindings[binding]
	if !ok {
		return nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("unknown model binding %q", binding))
	}
	return g, nil
}

// Bindings lists registered binding names, sorted.
func (r *Registry) Bindings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
