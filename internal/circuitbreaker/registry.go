package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one Breaker per upstream gateway slug.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry; every breaker it mints shares cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for gw, or nil if none exists yet.
func (r *Registry) Get(gw string) *Breaker {
	r.mu.RLock()
	b := r.breakers[gw]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for gw, creating one on first use.
// Double-checked locking keeps the hot path on the read lock.
func (r *Registry) GetOrCreate(gw string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[gw]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[gw]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[gw] = b
	return b
}

// States returns a snapshot of every breaker's state, for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for gw, b := range r.breakers {
		out[gw] = b.State()
	}
	return out
}

// EvictStale removes breakers not used since cutoff. Keys are snapshotted
// under the read lock first so the write lock is held only for deletions.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for gw, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, gw)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, gw := range stale {
		if b, ok := r.breakers[gw]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, gw)
			evicted++
		}
	}
	return evicted
}
