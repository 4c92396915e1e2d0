package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/mictrail/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested name.
var ErrSourceNotRegistered = errors.New("config: capture source not registered")

// SourceFactory builds a capture source from the capture settings.
type SourceFactory func(CaptureConfig) (audio.Source, error)

// Registry maps capture source names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates the source named by cfg.Source.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, cfg.Source)
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture source %q: %w", cfg.Source, err)
	}
	return src, nil
}

// Sources returns the registered names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
