package breaker

import (
	"sort"
	"sync"
)

// Registry keeps the breakers owned by the process so they can be reported together.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register adds cb under its name, replacing any previous breaker with the same name.
func (r *Registry) Register(cb *CircuitBreaker) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.Name()] = cb
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// HealthStatuses returns the health of every registered breaker, sorted by name.
func (r *Registry) HealthStatuses() []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(r.breakers))
	for _, cb := range r.breakers {
		statuses = append(statuses, cb.HealthStatus())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// IsHealthy reports whether every registered breaker is closed.
func (r *Registry) IsHealthy() bool {
	for _, status := range r.HealthStatuses() {
		if !status.IsHealthy {
			return false
		}
	}
	return true
}
