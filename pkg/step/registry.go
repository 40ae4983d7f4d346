package step

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Config is everything a factory needs to build a step for one node.
// Settings have already been through placeholder resolution.
type Config struct {
	NodeID   string
	Type     string
	Category Category
	Settings map[string]any
	Logger   *zap.Logger
}

// Factory builds a step from configuration.
type Factory func(cfg Config) (Step, error)

// Registry is a thread-safe map of step type names to factories, built
// once at process start.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for a step type.
// If a factory already exists for the type, it will be overwritten.
func (r *Registry) Register(stepType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stepType] = factory
}

// Create builds a step from configuration.
// Returns ErrNoStep if no factory is registered for the type.
func (r *Registry) Create(cfg Config) (Step, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", perrors.ErrNoStep, cfg.Type)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create step %s (%s): %w", cfg.NodeID, cfg.Type, err)
	}

	return s, nil
}

// Has checks if a factory exists for a step type.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[stepType]
	return exists
}

// Types returns all registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Unregister removes the factory for a step type.
// Returns true if a factory was removed, false if none existed.
func (r *Registry) Unregister(stepType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[stepType]; exists {
		delete(r.factories, stepType)
		return true
	}
	return false
}

// Count returns the number of registered factories.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
