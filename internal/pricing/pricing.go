// Package pricing resolves per-model unit prices and computes request cost
// from token counts.
package pricing

import (
	"log/slog"
	"strings"
	"sync"

	gateway "github.com/modelrelay/relay/internal"
)

// perTokens is the denominator for unit prices: USD per 1,000,000 tokens.
const perTokens = 1_000_000

// CatalogSource is the catalog view consulted before the manual table.
type CatalogSource interface {
	FindGateway(id string) (string, bool)
	Lookup(gw, id string) (gateway.Model, bool)
}

// Entry is one manual-table row, matched by model-ID prefix.
type Entry struct {
	Prefix     string  `yaml:"prefix"`
	Prompt     float64 `yaml:"prompt"`     // USD per 1M prompt tokens
	Completion float64 `yaml:"completion"` // USD per 1M completion tokens
}

// DefaultTable covers the frequently requested vendors whose upstream
// catalogs omit prices. Config entries are prepended and win on ties.
func DefaultTable() []Entry {
	return []Entry{
		{Prefix: "openai/gpt-4o-mini", Prompt: 0.15, Completion: 0.6},
		{Prefix: "openai/gpt-4o", Prompt: 2.5, Completion: 10},
		{Prefix: "openai/gpt-4", Prompt: 30, Completion: 60},
		{Prefix: "anthropic/claude-3-5-haiku", Prompt: 0.8, Completion: 4},
		{Prefix: "anthropic/claude-3-5-sonnet", Prompt: 3, Completion: 15},
		{Prefix: "google/gemini-1.5-pro", Prompt: 1.25, Completion: 5},
		{Prefix: "google/gemini-2.0-flash", Prompt: 0.1, Completion: 0.4},
		{Prefix: "qwen/qwen-max", Prompt: 1.6, Completion: 6.4},
		{Prefix: "meta-llama/", Prompt: 0.2, Completion: 0.2},
	}
}

// Service resolves prices catalog-first with a manual prefix-table fallback.
type Service struct {
	catalog CatalogSource
	table   []Entry

	mu     sync.Mutex
	warned map[string]struct{}
}

// New creates a Service. catalog may be nil (manual table only). Extra
// entries take precedence over the defaults.
func New(catalog CatalogSource, extra []Entry) *Service {
	table := make([]Entry, 0, len(extra)+16)
	table = append(table, extra...)
	table = append(table, DefaultTable()...)
	return &Service{catalog: catalog, table: table, warned: make(map[string]struct{})}
}

// Lookup returns unit prices for modelID in USD per 1M tokens. Unknown
// models price at zero with a once-per-model warning; results are never
// negative.
func (s *Service) Lookup(modelID string) gateway.ModelPricing {
	if s.catalog != nil {
		if gw, ok := s.catalog.FindGateway(modelID); ok {
			if m, ok := s.catalog.Lookup(gw, modelID); ok {
				if m.Pricing.Prompt > 0 || m.Pricing.Completion > 0 {
					return m.Pricing
				}
			}
		}
	}

	if p, ok := s.FromTable(modelID); ok {
		return p
	}

	s.warnUnknown(modelID)
	return gateway.ModelPricing{}
}

// FromTable resolves modelID against the manual prefix table. The longest
// matching prefix wins. Used directly by the catalog's pricing enricher.
func (s *Service) FromTable(modelID string) (gateway.ModelPricing, bool) {
	best := -1
	var out gateway.ModelPricing
	for _, e := range s.table {
		if len(e.Prefix) > best && strings.HasPrefix(modelID, e.Prefix) {
			best = len(e.Prefix)
			out = gateway.ModelPricing{Prompt: e.Prompt, Completion: e.Completion}
		}
	}
	if best < 0 {
		return gateway.ModelPricing{}, false
	}
	if out.Prompt < 0 {
		out.Prompt = 0
	}
	if out.Completion < 0 {
		out.Completion = 0
	}
	return out, true
}

// Cost computes the USD cost of a completed request.
func (s *Service) Cost(modelID string, promptTokens, completionTokens int) float64 {
	p := s.Lookup(modelID)
	cost := (float64(promptTokens)*p.Prompt + float64(completionTokens)*p.Completion) / perTokens
	if cost < 0 {
		return 0
	}
	return cost
}

func (s *Service) warnUnknown(modelID string) {
	s.mu.Lock()
	_, seen := s.warned[modelID]
	if !seen {
		s.warned[modelID] = struct{}{}
	}
	s.mu.Unlock()
	if !seen {
		slog.Warn("no pricing for model, charging zero", "model", modelID)
	}
}
