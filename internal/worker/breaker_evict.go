package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	breakerEvictInterval = time.Hour
	breakerIdleCutoff    = 24 * time.Hour
)

// BreakerEvictor drops circuit breakers that have gone unused. Backed by the
// breaker registry.
type BreakerEvictor interface {
	EvictStale(cutoff time.Time) int
}

// BreakerEvictWorker periodically evicts idle circuit breakers so gateways
// removed from config do not hold state forever.
type BreakerEvictWorker struct {
	breakers BreakerEvictor
	interval time.Duration
	cutoff   time.Duration
}

// NewBreakerEvictWorker creates a worker with the default hourly sweep.
func NewBreakerEvictWorker(breakers BreakerEvictor) *BreakerEvictWorker {
	return &BreakerEvictWorker{
		breakers: breakers,
		interval: breakerEvictInterval,
		cutoff:   breakerIdleCutoff,
	}
}

// Name returns the worker identifier.
func (w *BreakerEvictWorker) Name() string { return "breaker_evict" }

// Run sweeps on every tick until ctx is cancelled.
func (w *BreakerEvictWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.breakers.EvictStale(time.Now().Add(-w.cutoff)); n > 0 {
				slog.Info("evicted idle circuit breakers", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
