package transport

import (
	"context"
	"sync"

	"github.com/rhuss/mcpbridge/pkg/api"
)

type inFlight struct {
	cancel context.CancelFunc
	state  api.RunState
}

// InFlightRegistry tracks running completions for inspection and explicit
// cancellation. It maps completion IDs to their cancel functions and last
// observed run state, so a DELETE request can cancel a run that is still
// in progress.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]*inFlight
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]*inFlight),
	}
}

// Register adds an in-flight run to the registry. The cancel function
// will be called if the run is explicitly cancelled.
func (r *InFlightRegistry) Register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &inFlight{cancel: cancel, state: api.RunStateStarted}
}

// Update records the current state of a registered run. Unknown IDs are
// ignored.
func (r *InFlightRegistry) Update(id string, state api.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.state = state
	}
}

// State returns the last recorded state of a registered run.
func (r *InFlightRegistry) State(id string) (api.RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Cancel cancels an in-flight run by calling its cancel function.
// Returns true if the run was found and cancelled, false if the ID
// was not registered (either already completed or never existed).
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.cancel()
	delete(r.entries, id)
	return true
}

// Remove removes a run from the registry without cancelling it.
// Called when a run completes normally.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of registered runs.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
