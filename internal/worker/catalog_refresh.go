package worker

import (
	"context"
	"log/slog"
	"time"
)

// Refresher re-fetches upstream model catalogs. Backed by the catalog
// service; "all" refreshes every registered gateway.
type Refresher interface {
	Refresh(ctx context.Context, gw string) error
}

// CatalogRefreshWorker keeps the model catalog warm so client requests
// rarely pay the cold-fetch cost. Failures are logged and retried at the
// next tick; a flapping upstream must not kill the worker set.
type CatalogRefreshWorker struct {
	refresher Refresher
	interval  time.Duration
}

// NewCatalogRefreshWorker creates a worker refreshing all catalogs every
// interval. The interval should stay below the catalog TTL.
func NewCatalogRefreshWorker(r Refresher, interval time.Duration) *CatalogRefreshWorker {
	return &CatalogRefreshWorker{refresher: r, interval: interval}
}

// Name returns the worker identifier.
func (w *CatalogRefreshWorker) Name() string { return "catalog_refresh" }

// Run refreshes immediately, then on every tick until ctx is cancelled.
func (w *CatalogRefreshWorker) Run(ctx context.Context) error {
	w.refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CatalogRefreshWorker) refresh(ctx context.Context) {
	if err := w.refresher.Refresh(ctx, "all"); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "catalog refresh failed",
			slog.String("error", err.Error()),
		)
	}
}
