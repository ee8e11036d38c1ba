package circuitbreaker

import (
	"maps"
	"sync"
)

// Registry lazily creates one breaker per key, such as a workflow service
// id or a destination host.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(r.config)
	r.breakers[key] = b
	return b
}

// States returns the state of every breaker by key.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	snapshot := maps.Clone(r.breakers)
	r.mu.RUnlock()

	out := make(map[string]State, len(snapshot))
	for k, b := range snapshot {
		out[k] = b.State()
	}
	return out
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	states := r.States()
	stats := Stats{Total: len(states)}
	for _, s := range states {
		switch s {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Stats holds breaker counts by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Reset closes every breaker.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
