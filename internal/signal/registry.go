package signal

import (
	"fmt"
	"sync"
)

// Registry maps strategy names to factories so callers select signal and
// exit strategies by configuration key instead of constructing concrete
// types themselves.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]func() Source
	exits   map[string]func() ExitStrategy
}

func NewRegistry() *Registry {
	return &Registry{
		sources: map[string]func() Source{},
		exits:   map[string]func() ExitStrategy{},
	}
}

func (r *Registry) RegisterSource(name string, factory func() Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

func (r *Registry) RegisterExit(name string, factory func() ExitStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits[name] = factory
}

func (r *Registry) Source(name string) (Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signal source %q", name)
	}
	return factory(), nil
}

func (r *Registry) Exit(name string) (ExitStrategy, error) {
	r.mu.RLock()
	factory, ok := r.exits[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exit strategy %q", name)
	}
	return factory(), nil
}

// SourceNames lists registered signal sources, for CLI help output.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}
