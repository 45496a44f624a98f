package provider

// Preset describes the wiring for one OpenAI-compatible upstream: base URL,
// credential env var, and auth header quirks. Bespoke adapters (google-vertex,
// huggingface, alibaba-cloud) are constructed separately in cmd wiring.
type Preset struct {
	Slug          string
	BaseURL       string
	EnvVar        string
	AuthHeader    string // empty = "Authorization: Bearer <key>"
	PricePerToken bool   // upstream reports USD per token instead of per 1M
}

// Presets returns the built-in OpenAI-compatible upstream definitions, in
// stable order. Config entries may override base URLs and keys per slug.
func Presets() []Preset {
	return []Preset{
		{Slug: "openrouter", BaseURL: "https://openrouter.ai/api/v1", EnvVar: "OPENROUTER_API_KEY", PricePerToken: true},
		{Slug: "portkey", BaseURL: "https://api.portkey.ai/v1", EnvVar: "PORTKEY_API_KEY", AuthHeader: "x-portkey-api-key"},
		{Slug: "featherless", BaseURL: "https://api.featherless.ai/v1", EnvVar: "FEATHERLESS_API_KEY"},
		{Slug: "groq", BaseURL: "https://api.groq.com/openai/v1", EnvVar: "GROQ_API_KEY"},
		{Slug: "fireworks", BaseURL: "https://api.fireworks.ai/inference/v1", EnvVar: "FIREWORKS_API_KEY"},
		{Slug: "together", BaseURL: "https://api.together.xyz/v1", EnvVar: "TOGETHER_API_KEY"},
		{Slug: "deepinfra", BaseURL: "https://api.deepinfra.com/v1/openai", EnvVar: "DEEPINFRA_API_KEY"},
		{Slug: "chutes", BaseURL: "https://llm.chutes.ai/v1", EnvVar: "CHUTES_API_KEY"},
		{Slug: "cerebras", BaseURL: "https://api.cerebras.ai/v1", EnvVar: "CEREBRAS_API_KEY"},
		{Slug: "nebius", BaseURL: "https://api.studio.nebius.ai/v1", EnvVar: "NEBIUS_API_KEY"},
		{Slug: "xai", BaseURL: "https://api.x.ai/v1", EnvVar: "XAI_API_KEY"},
		{Slug: "novita", BaseURL: "https://api.novita.ai/v3/openai", EnvVar: "NOVITA_API_KEY"},
	}
}

// DefaultFallbackOrder is the static failover chain. For a given request the
// candidate list is the primary followed by these, deduped, filtered to
// gateways that serve the requested model.
var DefaultFallbackOrder = []string{
	"huggingface",
	"featherless",
	"alibaba-cloud",
	"fireworks",
	"together",
	"deepinfra",
	"groq",
	"google-vertex",
	"openrouter",
}
