package driver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownDriver is returned by New for ids that were never registered.
var ErrUnknownDriver = errors.New("driver: unknown driver")

// Factory builds one driver instance. The returned value is checked for the
// Feeder and FullLoader capabilities by the caller.
type Factory func(params Params, env Env) (any, error)

// Registry maps driver ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Default is the registry drivers add themselves to from init.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id.
func (r *Registry) Register(id string, factory Factory) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("driver: id is required")
	}
	if factory == nil {
		return fmt.Errorf("driver: factory for %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("driver: %q already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is Register that panics on error. Intended for init funcs.
func (r *Registry) MustRegister(id string, factory Factory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// New builds an instance of driver id. A panicking factory is reported as an
// error.
func (r *Registry) New(id string, params Params, env Env) (inst any, err error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, id)
	}

	defer func() {
		if rec := recover(); rec != nil {
			inst = nil
			err = fmt.Errorf("driver: factory %q panicked: %v", id, rec)
		}
	}()

	inst, err = factory(params, env)
	if err != nil {
		return nil, fmt.Errorf("driver: build %q: %w", id, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("driver: factory %q returned no instance", id)
	}
	return inst, nil
}

// IDs lists the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register adds a factory to the Default registry.
func Register(id string, factory Factory) error {
	return Default.Register(id, factory)
}
