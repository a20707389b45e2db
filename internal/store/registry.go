package store

import (
	"context"
	"fmt"
)

// Registry dispatches Open calls to the backend-specific Opener registered
// for a Descriptor's Kind. Backends are registered with Register by the
// wiring code in cmd/tileserver and cmd/seed; no backend registers itself
// from a package init (pgstore's opener closes over a shared
// *pgxpool.Pool).
type Registry struct {
	openers map[Kind]Opener
}

// NewRegistry returns an empty registry; callers register backends with
// Register before calling Open.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[Kind]Opener)}
}

// Register binds a Kind to the Opener that constructs its Store.
func (r *Registry) Register(kind Kind, opener Opener) {
	r.openers[kind] = opener
}

// Open constructs a Store for d using the Opener registered for d.Kind.
func (r *Registry) Open(ctx context.Context, d Descriptor) (Store, error) {
	opener, ok := r.openers[d.Kind]
	if !ok {
		return nil, fmt.Errorf("store: no backend registered for kind %q", d.Kind)
	}
	return opener(ctx, d)
}
