// Package dashscope implements the gateway.Provider adapter for Alibaba
// Cloud DashScope via its OpenAI compatible-mode endpoint. DashScope's model
// registry is unprefixed, so "qwen/qwen-max" becomes "qwen-max" on the wire.
package dashscope

import (
	"context"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/provider/openaicompat"
)

const (
	defaultBaseURL = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	slug           = "alibaba-cloud"
)

var _ gateway.Provider = (*Client)(nil)

// Client adapts DashScope's compatible-mode API.
type Client struct {
	inner *openaicompat.Client
}

// New creates a DashScope client. If baseURL is empty the international
// compatible-mode endpoint is used.
func New(apiKey, baseURL string, timeout time.Duration, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		inner: openaicompat.New(openaicompat.Options{
			Slug:           slug,
			BaseURL:        baseURL,
			APIKey:         apiKey,
			ModelTransform: StripPrefix,
			Timeout:        timeout,
			Resolver:       resolver,
		}),
	}
}

// StripPrefix rewrites "qwen/qwen-max" and "alibaba-cloud/qwen-max" to
// "qwen-max". Already-bare IDs pass through unchanged, so the transform is
// idempotent.
func StripPrefix(model string) string {
	for _, p := range []string{"qwen/", "alibaba-cloud/"} {
		if rest, ok := strings.CutPrefix(model, p); ok {
			return rest
		}
	}
	return model
}

// Name returns the gateway slug.
func (c *Client) Name() string { return slug }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return c.inner.ChatCompletion(ctx, req)
}

// ChatCompletionStream sends a streaming chat completion request.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return c.inner.ChatCompletionStream(ctx, req)
}

// ListModels returns the DashScope catalog with IDs re-prefixed to "qwen/"
// so cached records stay in provider/model form.
func (c *Client) ListModels(ctx context.Context) ([]gateway.Model, error) {
	models, err := c.inner.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range models {
		if !strings.Contains(models[i].ID, "/") {
			models[i].ID = "qwen/" + models[i].ID
		}
	}
	return models, nil
}
