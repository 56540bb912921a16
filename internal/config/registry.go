package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/callvault/callvault/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested capture source name.
var ErrSourceNotRegistered = errors.New("config: capture source not registered")

// SourceFactory constructs a capture device from its configuration block.
type SourceFactory func(CaptureConfig) (audio.Device, error)

// Registry maps capture source names to their constructor functions, so the
// config file can select a backend ("udp" in production, mocks in tests) by
// name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a capture source factory under name, replacing any
// previous registration with the same name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// SourceNames returns the registered capture source names.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// CreateSource instantiates the capture device selected by cfg.Source.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrSourceNotRegistered, cfg.Source, r.SourceNames())
	}
	dev, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture source %q: %w", cfg.Source, err)
	}
	return dev, nil
}
