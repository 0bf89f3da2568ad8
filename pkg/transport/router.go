package transport

import (
	"context"
	"sync"
)

// Router fans invocations out to the adapter that serves each tool. It
// lets one engine talk to any number of endpoints while still presenting
// a single Adapter per transport kind.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Adapter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Adapter)}
}

// Route binds a tool name to the adapter that serves it. Later bindings
// replace earlier ones.
func (r *Router) Route(tool string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[tool] = a
}

// Invoke forwards the invocation to the adapter routed for its tool.
func (r *Router) Invoke(ctx context.Context, inv Invocation) Result {
	r.mu.RLock()
	a, ok := r.routes[inv.Tool]
	r.mu.RUnlock()

	if !ok {
		return failed(inv, TransportFailure("no endpoint routes tool %q", inv.Tool))
	}
	return a.Invoke(ctx, inv)
}

// Close closes every distinct adapter once and returns the first error.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	closed := make(map[Adapter]bool)
	for _, a := range r.routes {
		if closed[a] {
			continue
		}
		closed[a] = true
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.routes = make(map[string]Adapter)
	return firstErr
}
