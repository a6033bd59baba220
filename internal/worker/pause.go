package worker

import "sync"

// PauseRegistry tracks which customers have submissions paused. Paused
// customers keep their queued tasks; the worker requeues them untouched
// until the customer is resumed.
type PauseRegistry struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseRegistry creates an empty registry.
func NewPauseRegistry() *PauseRegistry {
	return &PauseRegistry{paused: make(map[string]bool)}
}

// Pause marks the customer as paused.
func (r *PauseRegistry) Pause(customerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[customerID] = true
}

// Resume clears the customer's pause flag.
func (r *PauseRegistry) Resume(customerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, customerID)
}

// Paused reports whether the customer is currently paused.
func (r *PauseRegistry) Paused(customerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[customerID]
}
