package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry holds adapters by name.
type Registry struct {
	mu        sync.RWMutex
	exchanges map[string]Exchange
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exchanges: make(map[string]Exchange)}
}

// Register adds ex under ex.Info().Name.
func (r *Registry) Register(ex Exchange) error {
	name := ex.Info().Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exchanges[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicate)
	}
	r.exchanges[name] = ex
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownExchange)
	}
	return ex, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.exchanges))
	for name := range r.exchanges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every adapter and returns the joined errors.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, ex := range r.exchanges {
		if err := ex.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
