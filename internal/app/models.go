package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/telemetry"
)

// catalogFanout bounds concurrent upstream catalog fetches during an "all"
// aggregation.
const catalogFanout = 6

// CatalogService answers model listing and lookup queries from the catalog
// cache, filling cold entries on demand.
type CatalogService struct {
	catalog   *catalog.Cache
	providers *provider.Registry
	metrics   *telemetry.Metrics
}

// NewCatalogService wires the catalog cache and provider registry.
func NewCatalogService(c *catalog.Cache, providers *provider.Registry) *CatalogService {
	return &CatalogService{catalog: c, providers: providers}
}

// WithMetrics enables refresh instrumentation.
func (s *CatalogService) WithMetrics(m *telemetry.Metrics) *CatalogService {
	s.metrics = m
	return s
}

func (s *CatalogService) countRefresh(gw string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.CatalogRefreshes.WithLabelValues(gw, result).Inc()
}

// Models returns the model list for one gateway, or the aggregated list of
// every registered gateway when gw is empty or "all". Gateways whose fetch
// fails contribute nothing; aggregation never fails outright.
func (s *CatalogService) Models(ctx context.Context, gw string) ([]gateway.Model, error) {
	if gw != "" && gw != "all" {
		if !s.providers.Has(gw) {
			return nil, fmt.Errorf("unknown gateway %q: %w", gw, gateway.ErrNotFound)
		}
		return s.catalog.Get(ctx, gw)
	}

	s.populateAll(ctx)
	return s.catalog.All(), nil
}

// Lookup finds one model by its catalog ID across all gateways.
func (s *CatalogService) Lookup(ctx context.Context, modelID string) (gateway.Model, error) {
	if gw, ok := s.catalog.FindGateway(modelID); ok {
		if m, ok := s.catalog.Lookup(gw, modelID); ok {
			return m, nil
		}
	}

	// Cold caches: populate, then look again.
	s.populateAll(ctx)
	if gw, ok := s.catalog.FindGateway(modelID); ok {
		if m, ok := s.catalog.Lookup(gw, modelID); ok {
			return m, nil
		}
	}
	return gateway.Model{}, fmt.Errorf("model %q: %w", modelID, gateway.ErrNotFound)
}

// LookupIn finds one model within a specific gateway's catalog. The ID is
// tried verbatim and with the gateway prefix, so "groq/llama-3" and plain
// "llama-3" under gateway "groq" resolve to the same record.
func (s *CatalogService) LookupIn(ctx context.Context, gw, modelID string) (gateway.Model, error) {
	if !s.providers.Has(gw) {
		return gateway.Model{}, fmt.Errorf("unknown gateway %q: %w", gw, gateway.ErrNotFound)
	}
	if _, err := s.catalog.Get(ctx, gw); err != nil {
		return gateway.Model{}, err
	}
	if m, ok := s.catalog.Lookup(gw, modelID); ok {
		return m, nil
	}
	if m, ok := s.catalog.Lookup(gw, gw+"/"+modelID); ok {
		return m, nil
	}
	return gateway.Model{}, fmt.Errorf("model %q: %w", modelID, gateway.ErrNotFound)
}

// Refresh forces a re-fetch for one gateway, or for all when gw is "all".
func (s *CatalogService) Refresh(ctx context.Context, gw string) error {
	if gw != "" && gw != "all" {
		if !s.providers.Has(gw) {
			return fmt.Errorf("unknown gateway %q: %w", gw, gateway.ErrNotFound)
		}
		err := s.catalog.Refresh(ctx, gw)
		s.countRefresh(gw, err)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogFanout)
	for _, name := range s.providers.List() {
		g.Go(func() error {
			err := s.catalog.Refresh(ctx, name)
			s.countRefresh(name, err)
			if err != nil {
				slog.Warn("catalog refresh failed", "gateway", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ClearCache drops cached entries for one gateway, or all for "all"/"".
func (s *CatalogService) ClearCache(gw string) {
	if gw != "" && gw != "all" {
		s.catalog.Clear(gw)
		return
	}
	s.catalog.ClearAll()
}

// populateAll fills cold cache entries for every registered gateway with
// bounded concurrency. Fresh entries cost one cache read each.
func (s *CatalogService) populateAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogFanout)
	for _, name := range s.providers.List() {
		g.Go(func() error {
			if _, err := s.catalog.Get(ctx, name); err != nil {
				slog.Warn("catalog fetch failed", "gateway", name, "error", err)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}
