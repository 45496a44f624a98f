// Package catalog implements the per-gateway model catalog cache: TTL-bound
// entries with atomic swap on refresh, singleflight-guarded fetches, stale
// serving with background revalidation, and the "all" aggregation view.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/modelrelay/relay/internal"
)

const (
	// DefaultTTL is how long a gateway's model list stays fresh.
	DefaultTTL = time.Hour
	// revalidateFraction of TTL after which a background refresh is
	// scheduled while the stale entry keeps serving.
	revalidateFraction = 0.8
)

// FetchFunc pulls the raw model list for one gateway. Backed by the provider
// registry in production and by fakes in tests.
type FetchFunc func(ctx context.Context, gw string) ([]gateway.Model, error)

// PriceEnricher fills pricing for records whose upstream omitted it.
// Returns ok=false when the model is unknown to the table.
type PriceEnricher func(modelID string) (gateway.ModelPricing, bool)

// entry is one gateway's cached list. Replaced wholesale on refresh; readers
// never observe a partially written list.
type entry struct {
	data      []gateway.Model
	byID      map[string]int
	fetchedAt time.Time
}

// Cache holds one entry per gateway.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sf     singleflight.Group
	fetch  FetchFunc
	enrich PriceEnricher
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithEnricher installs a pricing enrichment hook for records the upstream
// left unpriced.
func WithEnricher(e PriceEnricher) Option {
	return func(c *Cache) { c.enrich = e }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache that fills itself through fetch.
func New(fetch FetchFunc, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		fetch:   fetch,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached model list for gw. A fresh entry is returned
// directly; past the revalidation threshold a background refresh is kicked
// off while the current data keeps serving; a cold or expired entry is
// fetched synchronously. Refresh failures keep the stale entry.
func (c *Cache) Get(ctx context.Context, gw string) ([]gateway.Model, error) {
	c.mu.RLock()
	e := c.entries[gw]
	c.mu.RUnlock()

	if e != nil {
		age := c.now().Sub(e.fetchedAt)
		if age < c.ttl {
			if age > time.Duration(revalidateFraction*float64(c.ttl)) {
				c.refreshAsync(gw)
			}
			return e.data, nil
		}
	}

	if err := c.Refresh(ctx, gw); err != nil {
		if e != nil {
			// Serve stale rather than fail the request.
			return e.data, nil
		}
		return nil, err
	}

	c.mu.RLock()
	e = c.entries[gw]
	c.mu.RUnlock()
	if e == nil {
		return nil, nil
	}
	return e.data, nil
}

// refreshAsync schedules a background refresh. Singleflight guarantees at
// most one in-flight refresh per gateway; extra callers return immediately.
func (c *Cache) refreshAsync(gw string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.Refresh(ctx, gw); err != nil {
			slog.Warn("background catalog refresh failed", "gateway", gw, "error", err)
		}
	}()
}

// Refresh fetches, normalizes, and atomically swaps in the model list for
// gw. Concurrent calls for the same gateway collapse into one fetch. The
// singleflight slot is released before the swap lock is taken, so readers
// never wait on network I/O.
func (c *Cache) Refresh(ctx context.Context, gw string) error {
	v, err, _ := c.sf.Do(gw, func() (any, error) {
		raw, err := c.fetch(ctx, gw)
		if err != nil {
			return nil, err
		}
		return Normalize(gw, raw, c.enrich), nil
	})
	if err != nil {
		return err
	}

	models := v.([]gateway.Model)
	byID := make(map[string]int, len(models))
	for i, m := range models {
		byID[m.ID] = i
	}

	c.mu.Lock()
	c.entries[gw] = &entry{data: models, byID: byID, fetchedAt: c.now()}
	c.mu.Unlock()

	slog.Info("catalog refreshed", "gateway", gw, "models", len(models))
	return nil
}

// All returns every populated gateway's cached list concatenated, deduplicated
// on (source_gateway, id) keeping the first occurrence. The same model ID
// appearing under two gateways is preserved once per gateway.
func (c *Cache) All() []gateway.Model {
	c.mu.RLock()
	gws := make([]string, 0, len(c.entries))
	for gw := range c.entries {
		gws = append(gws, gw)
	}
	snapshot := make(map[string]*entry, len(gws))
	for _, gw := range gws {
		snapshot[gw] = c.entries[gw]
	}
	c.mu.RUnlock()

	// Stable order across calls.
	slices.Sort(gws)

	type dedupKey struct{ gw, id string }
	seen := make(map[dedupKey]struct{})
	var out []gateway.Model
	for _, gw := range gws {
		for _, m := range snapshot[gw].data {
			k := dedupKey{gw: m.SourceGateway, id: m.ID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Lookup returns the cached record for (gw, id), if present.
func (c *Cache) Lookup(gw, id string) (gateway.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[gw]
	if e == nil {
		return gateway.Model{}, false
	}
	i, ok := e.byID[id]
	if !ok {
		return gateway.Model{}, false
	}
	return e.data[i], true
}

// FindGateway scans the populated caches for a gateway that has seen id.
// Used for cache-assisted provider detection. Gateways are scanned in
// sorted order so detection is deterministic.
func (c *Cache) FindGateway(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gws := make([]string, 0, len(c.entries))
	for gw := range c.entries {
		gws = append(gws, gw)
	}
	slices.Sort(gws)

	for _, gw := range gws {
		if _, ok := c.entries[gw].byID[id]; ok {
			return gw, true
		}
	}
	return "", false
}

// Supports reports whether gw is known to serve id. An unpopulated cache
// returns true: with no catalog evidence the failover chain still gets to
// try the gateway. A populated cache matches on the exact ID or on the
// model-name segment after the slash.
func (c *Cache) Supports(gw, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[gw]
	if e == nil || len(e.data) == 0 {
		return true
	}
	if _, ok := e.byID[id]; ok {
		return true
	}
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		name := id[i+1:]
		for cached := range e.byID {
			if strings.HasSuffix(cached, "/"+name) || cached == name {
				return true
			}
		}
	}
	return false
}

// Clear drops the cached entry for gw.
func (c *Cache) Clear(gw string) {
	c.mu.Lock()
	delete(c.entries, gw)
	c.mu.Unlock()
}

// ClearAll drops every cached entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Gateways returns the slugs with populated entries, sorted.
func (c *Cache) Gateways() []string {
	c.mu.RLock()
	gws := make([]string, 0, len(c.entries))
	for gw := range c.entries {
		gws = append(gws, gw)
	}
	c.mu.RUnlock()
	slices.Sort(gws)
	return gws
}
