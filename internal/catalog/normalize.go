package catalog

import (
	"strings"

	gateway "github.com/modelrelay/relay/internal"
)

// Normalize runs the normalization pipeline over one gateway's raw model
// list: drop records without an ID, prefix unprefixed IDs with the source
// gateway slug, sanitize pricing (negative or sentinel -1 becomes 0),
// deduplicate by ID keeping the first occurrence, attach the source gateway,
// and optionally enrich missing prices from the manual table.
func Normalize(gw string, in []gateway.Model, enrich PriceEnricher) []gateway.Model {
	out := make([]gateway.Model, 0, len(in))
	seen := make(map[string]struct{}, len(in))

	for _, m := range in {
		if m.ID == "" {
			continue
		}

		// Upstreams that publish bare model names get the gateway slug as
		// the inferred provider prefix so IDs stay in provider/model form.
		if !strings.Contains(m.ID, "/") {
			m.ID = gw + "/" + m.ID
		}

		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}

		if m.Pricing.Prompt < 0 {
			m.Pricing.Prompt = 0
		}
		if m.Pricing.Completion < 0 {
			m.Pricing.Completion = 0
		}
		if m.ContextLength < 0 {
			m.ContextLength = 0
		}

		if m.Name == "" {
			m.Name = m.ID[strings.IndexByte(m.ID, '/')+1:]
		}
		if m.ProviderSlug == "" {
			m.ProviderSlug = m.ID[:strings.IndexByte(m.ID, '/')]
		}
		m.SourceGateway = gw

		if enrich != nil && m.Pricing.Prompt == 0 && m.Pricing.Completion == 0 {
			if p, ok := enrich(m.ID); ok {
				m.Pricing = p
			}
		}

		out = append(out, m)
	}
	return out
}
