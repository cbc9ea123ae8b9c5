// Package payload runs the work a job describes: shell scripts and SQL
// statements, plus the optional result report of query jobs.
package payload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

// Handler executes jobs of one type.
//
// Run returns nil on success; the error text is recorded on the run
// verbatim. Handlers must honour ctx cancellation.
type Handler interface {
	Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error

	// Type is the job type the handler serves.
	Type() jobs.Type
}

// Registry dispatches runs to handlers by job type.
// Safe for concurrent registration and lookup.
type Registry struct {
	handlers map[jobs.Type]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[jobs.Type]Handler),
	}
}

// Register adds a handler under its type.
// Panics if a handler is already registered for that type.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := handler.Type()
	if _, exists := r.handlers[t]; exists {
		panic("handler already registered for job type: " + string(t))
	}
	r.handlers[t] = handler
}

// Get returns the handler for t, or nil.
func (r *Registry) Get(t jobs.Type) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}

// Has reports whether a handler is registered for t.
func (r *Registry) Has(t jobs.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[t]
	return exists
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []jobs.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]jobs.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Run dispatches to the handler registered for spec.Type.
func (r *Registry) Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error {
	handler := r.Get(spec.Type)
	if handler == nil {
		return errors.Newf("no handler registered for job type %q", spec.Type)
	}
	return handler.Run(ctx, spec, scheduledTime)
}
