package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/batchflow/internal/definition"
)

// Factory builds the tasks for one section. prior holds every task built by
// earlier stages in order. Factories whose entries reference each other keep
// their own list of tasks built so far in the section.
type Factory func(env *Env, section definition.Section, prior []Task) ([]Task, error)

// Registry maps kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// Register installs a factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind Kind, factory Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("task: unknown kind %q", kind)
	}
	if factory == nil {
		return fmt.Errorf("task: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("task: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Factory returns the factory for kind.
func (r *Registry) Factory(kind Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns registered kinds in stage order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Stage() < kinds[j].Stage() })
	return kinds
}
