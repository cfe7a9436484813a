package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
)

// Registry is a process-wide, concurrency-safe map from engine Tag to the
// Provider that serves it. It is populated once at startup from the fixed
// set of providers compiled into the binary; lookups after that are
// read-only and never block on network I/O.
type Registry struct {
	mu        sync.RWMutex
	providers map[Tag]Provider
}

// NewRegistry returns an empty Registry. Call Register for each compiled-in
// provider before handing the Registry to any DQM Supervisor.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Tag]Provider)}
}

// Register installs p under its own Tag, replacing any previous provider
// for that tag. Intended to be called during process startup only.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Tag()] = p
}

// Lookup returns the provider registered for tag, or ErrUnknownEngine if
// none was compiled in.
func (r *Registry) Lookup(tag Tag) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	if !ok {
		return nil, dberrors.NewConfigError("engine", string(tag), dberrors.ErrUnknownEngine)
	}
	return p, nil
}

// Connect is a convenience that looks up the provider for endpoint.Tag and
// dials it in one call.
func (r *Registry) Connect(ctx context.Context, endpoint Endpoint) (Conn, error) {
	p, err := r.Lookup(endpoint.Tag)
	if err != nil {
		return nil, err
	}
	conn, err := p.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", endpoint.Tag, err)
	}
	return conn, nil
}

// Tags returns every engine tag currently registered, for diagnostics.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Tag, 0, len(r.providers))
	for t := range r.providers {
		tags = append(tags, t)
	}
	return tags
}
