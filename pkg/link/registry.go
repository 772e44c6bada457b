package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/gezibash/weft/pkg/endpoint"
)

// Registry maps endpoint schemes to their adapters. It is explicit
// shared state with a defined owner (the session manager), not a
// package-level singleton.
type Registry struct {
	mu        sync.RWMutex
	dialers   map[string]Dialer
	listeners map[string]ListenerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:   make(map[string]Dialer),
		listeners: make(map[string]ListenerFactory),
	}
}

// RegisterDialer adds an outbound adapter for its scheme.
func (r *Registry) RegisterDialer(d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[d.Scheme()] = d
}

// RegisterListener adds an inbound adapter for its scheme.
func (r *Registry) RegisterListener(f ListenerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[f.Scheme()] = f
}

// Dial opens an outbound link to ep using the adapter registered for
// its scheme.
func (r *Registry) Dial(ctx context.Context, ep endpoint.Endpoint) (Link, error) {
	r.mu.RLock()
	d, ok := r.dialers[ep.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", ep, ErrUnknownScheme)
	}
	return d.Dial(ctx, ep)
}

// Listen opens a listener on ep using the adapter registered for its
// scheme.
func (r *Registry) Listen(ctx context.Context, ep endpoint.Endpoint) (Listener, error) {
	r.mu.RLock()
	f, ok := r.listeners[ep.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("listen %s: %w", ep, ErrUnknownScheme)
	}
	return f.Listen(ctx, ep)
}

// Schemes returns the schemes with a registered dialer.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialers))
	for s := range r.dialers {
		out = append(out, s)
	}
	return out
}
