package owner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LoadFunc loads a concrete owner entity by its id
type LoadFunc func(ctx context.Context, id string) (Owner, error)

// ResolverOptions contains the configuration for the Resolver
type ResolverOptions struct {
	Logger *zap.Logger
}

// Resolver maps owner type names to loaders. It replaces runtime type
// introspection with an explicit registry.
type Resolver struct {
	ResolverOptions

	mu      sync.RWMutex
	loaders map[string]LoadFunc
}

// NewResolver returns an empty owner Resolver
func NewResolver(option ResolverOptions) (*Resolver, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Resolver{
		ResolverOptions: option,
		loaders:         make(map[string]LoadFunc),
	}, nil
}

// Register will associate an owner type with its loader. Registering the
// same type twice is a configuration error.
func (r *Resolver) Register(ownerType string, load LoadFunc) error {
	if len(ownerType) == 0 {
		return fmt.Errorf("empty owner type is invalid")
	}
	if load == nil {
		return fmt.Errorf("nil LoadFunc is invalid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loaders[ownerType]; ok {
		return fmt.Errorf("owner type %q is already registered", ownerType)
	}
	r.loaders[ownerType] = load
	return nil
}

// Resolve loads the concrete owner entity behind a Ref
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Owner, error) {
	r.mu.RLock()
	load, ok := r.loaders[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no loader registered for owner type %q", ref.Type)
	}
	return load(ctx, ref.ID)
}

// Reset removes all registered loaders. Used for test isolation.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = make(map[string]LoadFunc)
}
