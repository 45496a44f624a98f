// Package hfrouter implements the gateway.Provider adapter for the
// HuggingFace Inference Router. The router speaks the OpenAI wire format but
// requires model IDs to carry an ":hf-inference" suffix selecting the
// serverless backend.
package hfrouter

import (
	"context"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/provider/openaicompat"
)

const (
	defaultBaseURL = "https://router.huggingface.co/v1"
	slug           = "huggingface"

	// backendSuffix selects the hf-inference serverless backend.
	backendSuffix = ":hf-inference"
)

var _ gateway.Provider = (*Client)(nil)

// Client wraps the OpenAI-compatible client with the suffix rule.
type Client struct {
	inner *openaicompat.Client
}

// New creates a HuggingFace Router client. If baseURL is empty the public
// router endpoint is used.
func New(apiKey, baseURL string, timeout time.Duration, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		inner: openaicompat.New(openaicompat.Options{
			Slug:           slug,
			BaseURL:        baseURL,
			APIKey:         apiKey,
			ModelTransform: EnsureSuffix,
			Timeout:        timeout,
			Resolver:       resolver,
		}),
	}
}

// EnsureSuffix appends ":hf-inference" unless the ID already ends with it.
// Idempotent: repeated application never double-appends.
func EnsureSuffix(model string) string {
	if strings.HasSuffix(model, backendSuffix) {
		return model
	}
	return model + backendSuffix
}

// StripSuffix removes the backend suffix for catalog display.
func StripSuffix(model string) string {
	return strings.TrimSuffix(model, backendSuffix)
}

// Name returns the gateway slug.
func (c *Client) Name() string { return slug }

// ChatCompletion sends a non-streaming chat completion request with the
// backend suffix applied.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return c.inner.ChatCompletion(ctx, req)
}

// ChatCompletionStream sends a streaming chat completion request with the
// backend suffix applied.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return c.inner.ChatCompletionStream(ctx, req)
}

// ListModels returns the router catalog with backend suffixes stripped so
// cached IDs stay in provider/model form.
func (c *Client) ListModels(ctx context.Context) ([]gateway.Model, error) {
	models, err := c.inner.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range models {
		models[i].ID = StripSuffix(models[i].ID)
	}
	return models, nil
}
