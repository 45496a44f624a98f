// Package provider implements the provider registry and shared utilities for
// upstream gateway adapters.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/modelrelay/relay/internal"
)

// Registry maps gateway slugs to gateway.Provider instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]gateway.Provider)}
}

// Register adds a provider under the given slug.
// It overwrites any previously registered provider with the same slug.
func (r *Registry) Register(slug string, p gateway.Provider) {
	r.mu.Lock()
	r.providers[slug] = p
	r.mu.Unlock()
}

// Get returns the provider registered under slug, or an error if not found.
func (r *Registry) Get(slug string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gateway %q not registered: %w", slug, gateway.ErrNotFound)
	}
	return p, nil
}

// Has reports whether a provider is registered under slug.
func (r *Registry) Has(slug string) bool {
	r.mu.RLock()
	_, ok := r.providers[slug]
	r.mu.RUnlock()
	return ok
}

// List returns a sorted slice of all registered gateway slugs.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
