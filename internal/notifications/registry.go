package notifications

import (
	"context"
	"sort"
)

// JobHandler executes one job. A returned error is classified by the worker
// as transient or terminal based on the attempt count.
type JobHandler interface {
	Handle(ctx context.Context, job *Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f(ctx, job).
func (f JobHandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Registry maps job names to handlers. It is populated before the worker
// starts and read-only afterwards.
type Registry struct {
	handlers map[string]JobHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]JobHandler)}
}

// Register binds a handler to a job name, replacing any previous binding.
func (r *Registry) Register(name string, handler JobHandler) {
	r.handlers[name] = handler
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (JobHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered job names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
