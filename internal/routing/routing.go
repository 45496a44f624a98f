// Package routing maps user-supplied model identifiers to an upstream
// gateway and the upstream's canonical model ID.
package routing

import (
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

// Fallback is the gateway of last resort: it fronts most vendors, so an
// unrecognized model ID still has a serving path.
const Fallback = "openrouter"

// CatalogIndex is the read-only catalog view used for cache-assisted
// detection.
type CatalogIndex interface {
	FindGateway(id string) (string, bool)
}

// prefixTable maps explicit ID prefixes to gateway slugs, checked before any
// substring heuristic. Vendor prefixes that a specific upstream fronts
// (anthropic via portkey, qwen via dashscope, google via vertex, near via
// openrouter) are listed alongside the gateway slugs themselves.
var prefixTable = map[string]string{
	"openrouter":    "openrouter",
	"portkey":       "portkey",
	"anthropic":     "portkey",
	"featherless":   "featherless",
	"groq":          "groq",
	"fireworks":     "fireworks",
	"together":      "together",
	"deepinfra":     "deepinfra",
	"chutes":        "chutes",
	"cerebras":      "cerebras",
	"nebius":        "nebius",
	"xai":           "xai",
	"novita":        "novita",
	"huggingface":   "huggingface",
	"near":          "openrouter",
	"qwen":          "alibaba-cloud",
	"alibaba-cloud": "alibaba-cloud",
	"google":        "google-vertex",
	"google-vertex": "google-vertex",
}

// substringRules are last-resort heuristics for bare model names. Explicit
// prefixes and catalog detection always win; these exist for requests like
// model="qwen-max" with no slash at all.
var substringRules = []struct {
	needle  string
	gateway string
}{
	{"qwen", "alibaba-cloud"},
	{"gemini", "google-vertex"},
	{"grok", "xai"},
}

// detectionCacheTTL bounds how long a resolved (model -> gateway) pair is
// reused before re-consulting the catalog.
const detectionCacheTTL = time.Minute

// Transformer resolves model strings. Pure apart from catalog reads; the
// otter cache only memoizes catalog-assisted detections.
type Transformer struct {
	catalog CatalogIndex
	cache   *otter.Cache[string, string]
}

// New returns a Transformer backed by the given catalog index. catalog may
// be nil (detection then relies on prefixes and heuristics alone).
func New(catalog CatalogIndex) *Transformer {
	cache := otter.Must(&otter.Options[string, string]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, string](detectionCacheTTL),
	})
	return &Transformer{catalog: catalog, cache: cache}
}

// Resolve determines (gateway, upstream model ID) for a user-supplied model
// string. The decision procedure, in order: explicit gateway from the
// request, "@gateway/model" override prefix, the prefix table, substring
// heuristics, catalog-assisted detection, and finally the OpenRouter
// fallback.
func (t *Transformer) Resolve(model, explicitGateway string) (gw, upstreamID string) {
	if explicitGateway != "" {
		return explicitGateway, TransformID(explicitGateway, model)
	}

	// "@groq/llama-3.3-70b" pins the gateway inline.
	if strings.HasPrefix(model, "@") {
		rest := model[1:]
		if i := strings.IndexByte(rest, '/'); i > 0 {
			gw = rest[:i]
			return gw, TransformID(gw, rest[i+1:])
		}
	}

	if i := strings.IndexByte(model, '/'); i > 0 {
		if gw, ok := prefixTable[model[:i]]; ok {
			return gw, TransformID(gw, model)
		}
	}

	if gw, ok := t.cache.GetIfPresent(model); ok {
		return gw, TransformID(gw, model)
	}

	lower := strings.ToLower(model)
	for _, r := range substringRules {
		if strings.Contains(lower, r.needle) {
			return r.gateway, TransformID(r.gateway, model)
		}
	}

	if t.catalog != nil {
		if gw, ok := t.catalog.FindGateway(model); ok {
			t.cache.Set(model, gw)
			return gw, TransformID(gw, model)
		}
	}

	return Fallback, TransformID(Fallback, model)
}

// TransformID rewrites model to the upstream's canonical form for gw. The
// rewrite is idempotent: applying it twice equals applying it once.
func TransformID(gw, model string) string {
	model = strings.TrimPrefix(model, "@")

	switch gw {
	case "openrouter":
		// OpenRouter's registry is vendor/model; only our own slug prefix
		// is foreign to it.
		return strings.TrimPrefix(model, "openrouter/")
	case "alibaba-cloud":
		for _, p := range []string{"qwen/", "alibaba-cloud/"} {
			if rest, ok := strings.CutPrefix(model, p); ok {
				return rest
			}
		}
		return model
	case "google-vertex":
		for _, p := range []string{"google-vertex/", "google/"} {
			if rest, ok := strings.CutPrefix(model, p); ok {
				return rest
			}
		}
		return model
	case "portkey":
		return strings.TrimPrefix(model, "portkey/")
	case "huggingface":
		// The router wants the org/model form; the client appends the
		// backend suffix itself.
		return strings.TrimPrefix(model, "huggingface/")
	default:
		// OpenAI-compatible upstreams with bare registries: strip our own
		// gateway slug, keep any vendor prefix the upstream expects.
		return strings.TrimPrefix(model, gw+"/")
	}
}
