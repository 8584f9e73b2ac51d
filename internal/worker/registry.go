package worker

import (
	"context"
	"sync"
)

// Handler is the externally-supplied logic a job name resolves to. The
// returned bytes are persisted as the job's result on success.
type Handler interface {
	Handle(ctx context.Context, data []byte) ([]byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// Registry maps job names to handlers. It is owned by the embedding
// application; the dispatcher only resolves.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
