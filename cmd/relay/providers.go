package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/dnscache"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/dashscope"
	"github.com/modelrelay/relay/internal/provider/hfrouter"
	"github.com/modelrelay/relay/internal/provider/openaicompat"
	"github.com/modelrelay/relay/internal/provider/vertex"
	"github.com/modelrelay/relay/internal/routing"
)

// Credential env vars for the bespoke adapters. The preset env vars live in
// provider.Presets.
const (
	envHFToken    = "HF_TOKEN"
	envAlibabaKey = "ALIBABA_CLOUD_API_KEY"
	// Accepted as a fallback; DashScope's own docs use this name.
	envDashScopeKey = "DASHSCOPE_API_KEY"

	envVertexCreds      = "GOOGLE_VERTEX_CREDENTIALS_JSON"
	envVertexProject    = "GOOGLE_PROJECT_ID"
	envVertexLocation   = "GOOGLE_VERTEX_LOCATION"
	bespokeHuggingface  = "huggingface"
	bespokeAlibabaCloud = "alibaba-cloud"
	bespokeVertex       = "google-vertex"
)

// buildProviders registers every upstream that has a credential: the
// OpenAI-compatible presets, the three bespoke adapters, plus any custom
// config entries that carry their own base URL. Gateways without a key are
// skipped, not errors; a misconfigured explicit entry is.
func buildProviders(ctx context.Context, cfg *config.Config, resolver *dnscache.Resolver) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	entries := make(map[string]config.ProviderEntry, len(cfg.Providers))
	for _, e := range cfg.Providers {
		entries[e.Name] = e
	}

	for _, preset := range provider.Presets() {
		entry := entries[preset.Slug]
		if !entry.IsEnabled() {
			continue
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(preset.EnvVar)
		}
		if apiKey == "" {
			continue
		}
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = preset.BaseURL
		}
		authHeader := entry.AuthHeader
		if authHeader == "" {
			authHeader = preset.AuthHeader
		}
		slug := preset.Slug
		reg.Register(slug, openaicompat.New(openaicompat.Options{
			Slug:           slug,
			BaseURL:        baseURL,
			APIKey:         apiKey,
			AuthHeader:     authHeader,
			ExtraHeaders:   entry.Headers,
			ModelTransform: func(m string) string { return routing.TransformID(slug, m) },
			PricePerToken:  preset.PricePerToken,
			Timeout:        entryTimeout(entry),
			Resolver:       resolver,
		}))
	}

	if entry := entries[bespokeHuggingface]; entry.IsEnabled() {
		if key := keyOrEnv(entry, envHFToken); key != "" {
			reg.Register(bespokeHuggingface, hfrouter.New(key, entry.BaseURL, entryTimeout(entry), resolver))
		}
	}

	if entry := entries[bespokeAlibabaCloud]; entry.IsEnabled() {
		if key := keyOrEnv(entry, envAlibabaKey, envDashScopeKey); key != "" {
			reg.Register(bespokeAlibabaCloud, dashscope.New(key, entry.BaseURL, entryTimeout(entry), resolver))
		}
	}

	if entry, explicit := entries[bespokeVertex]; entry.IsEnabled() {
		creds := entry.Credentials
		if creds == "" {
			creds = os.Getenv(envVertexCreds)
		}
		project := entry.Project
		if project == "" {
			project = os.Getenv(envVertexProject)
		}
		location := entry.Location
		if location == "" {
			location = os.Getenv(envVertexLocation)
		}
		if creds != "" {
			v, err := vertex.New(ctx, creds, project, location, entryTimeout(entry))
			if err != nil {
				if explicit {
					return nil, fmt.Errorf("provider google-vertex: %w", err)
				}
				slog.Warn("vertex credentials present but unusable, skipping", "error", err)
			} else {
				reg.Register(bespokeVertex, v)
			}
		}
	}

	// Custom entries: anything not covered above that brings its own base URL
	// gets a generic OpenAI-compatible adapter.
	known := map[string]bool{bespokeHuggingface: true, bespokeAlibabaCloud: true, bespokeVertex: true}
	for _, p := range provider.Presets() {
		known[p.Slug] = true
	}
	for _, entry := range cfg.Providers {
		if known[entry.Name] || !entry.IsEnabled() || reg.Has(entry.Name) {
			continue
		}
		if entry.BaseURL == "" {
			slog.Warn("unknown provider without base_url, skipping", "name", entry.Name)
			continue
		}
		slug := entry.Name
		reg.Register(slug, openaicompat.New(openaicompat.Options{
			Slug:           slug,
			BaseURL:        entry.BaseURL,
			APIKey:         entry.APIKey,
			AuthHeader:     entry.AuthHeader,
			ExtraHeaders:   entry.Headers,
			ModelTransform: func(m string) string { return routing.TransformID(slug, m) },
			Timeout:        entryTimeout(entry),
			Resolver:       resolver,
		}))
	}

	return reg, nil
}

func keyOrEnv(entry config.ProviderEntry, envVars ...string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	for _, v := range envVars {
		if key := os.Getenv(v); key != "" {
			return key
		}
	}
	return ""
}

func entryTimeout(entry config.ProviderEntry) time.Duration {
	return time.Duration(entry.TimeoutMs) * time.Millisecond
}
