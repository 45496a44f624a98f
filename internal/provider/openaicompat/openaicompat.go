// Package openaicompat implements the templated gateway.Provider adapter for
// upstreams that expose an OpenAI-compatible API. One instance per upstream,
// parameterized by base URL, auth header, optional headers, and a model-ID
// transform.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/sseutil"
)

var _ gateway.Provider = (*Client)(nil)

// Options parameterize a Client for one upstream.
type Options struct {
	// Slug is the gateway identifier (e.g. "openrouter", "groq").
	Slug string
	// BaseURL is the upstream API root, e.g. "https://api.groq.com/openai/v1".
	BaseURL string
	// APIKey is the upstream credential.
	APIKey string
	// AuthHeader overrides the credential header. Empty means
	// "Authorization" with a "Bearer " scheme.
	AuthHeader string
	// ExtraHeaders are set verbatim on every outbound request.
	ExtraHeaders map[string]string
	// ModelTransform rewrites the model ID to the upstream's canonical form
	// just before the wire. Must be idempotent. Nil means identity.
	ModelTransform func(string) string
	// PricePerToken marks upstreams that report model prices in USD per
	// token (OpenRouter style); ListModels scales them to USD per 1M.
	PricePerToken bool
	// Timeout bounds a single attempt. Zero means provider.DefaultTimeout.
	Timeout time.Duration
	// Resolver enables cached DNS lookups on the transport. Optional.
	Resolver *dnscache.Resolver
	// HTTPClient overrides the constructed client. Used in tests.
	HTTPClient *http.Client
}

// Client is an OpenAI-compatible upstream adapter.
type Client struct {
	slug       string
	baseURL    string
	apiKey     string
	authHeader string
	extra      map[string]string
	transform  func(string) string
	perToken   bool
	http       *http.Client
}

// New creates a Client from opts.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = provider.NewHTTPClient(opts.Resolver, opts.Timeout)
	}
	return &Client{
		slug:       opts.Slug,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		authHeader: opts.AuthHeader,
		extra:      opts.ExtraHeaders,
		transform:  opts.ModelTransform,
		perToken:   opts.PricePerToken,
		http:       httpClient,
	}
}

// Name returns the gateway slug.
func (c *Client) Name() string { return c.slug }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := c.postChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.slug, err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// data payloads are forwarded as-is in StreamChunk.Data; the channel is
// closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := c.postChat(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.slug, resp, ch)
	return ch, nil
}

func (c *Client) postChat(ctx context.Context, req *gateway.ChatRequest, stream bool) (*http.Response, error) {
	// Shallow copy: the wire model ID and stream flag differ from the
	// caller's request.
	outReq := *req
	outReq.Gateway = ""
	if c.transform != nil {
		outReq.Model = c.transform(outReq.Model)
	}
	outReq.Stream = stream
	if stream && outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.slug, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.slug, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(c.slug, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseUpstreamError(c.slug, resp)
	}
	return resp, nil
}

// rawModel is the upstream /models record shape. Field types are kept loose
// because upstreams disagree on numbers-as-strings.
type rawModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Architecture  struct {
		Modality         string   `json:"modality"`
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	} `json:"architecture"`
	Pricing struct {
		Prompt     flexFloat `json:"prompt"`
		Completion flexFloat `json:"completion"`
	} `json:"pricing"`
}

type listModelsResponse struct {
	Data []rawModel `json:"data"`
}

// ListModels returns the upstream's model catalog. Best-effort: any failure
// is logged and yields an empty list, never an error, so one bad upstream
// cannot poison catalog aggregation.
func (c *Client) ListModels(ctx context.Context) ([]gateway.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		slog.Warn("list models failed", "gateway", c.slug, "error", err)
		return nil, nil
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Warn("list models failed", "gateway", c.slug, "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("list models failed", "gateway", c.slug, "status", resp.StatusCode)
		return nil, nil
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		slog.Warn("list models failed", "gateway", c.slug, "error", err)
		return nil, nil
	}

	scale := 1.0
	if c.perToken {
		scale = 1_000_000
	}

	models := make([]gateway.Model, 0, len(out.Data))
	for _, m := range out.Data {
		prompt := float64(m.Pricing.Prompt)
		completion := float64(m.Pricing.Completion)
		// Sentinel -1 means dynamic pricing; leave for the normalization
		// pipeline to zero, but never scale it.
		if prompt > 0 {
			prompt *= scale
		}
		if completion > 0 {
			completion *= scale
		}
		models = append(models, gateway.Model{
			ID:            m.ID,
			Name:          m.Name,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Architecture: gateway.Architecture{
				Modality:         m.Architecture.Modality,
				InputModalities:  m.Architecture.InputModalities,
				OutputModalities: m.Architecture.OutputModalities,
			},
			Pricing: gateway.ModelPricing{Prompt: prompt, Completion: completion},
		})
	}
	return models, nil
}

// setHeaders applies content type, credentials, and extra headers.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		if c.authHeader != "" {
			r.Header.Set(c.authHeader, c.apiKey)
		} else {
			r.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
	for k, v := range c.extra {
		r.Header.Set(k, v)
	}
}

// flexFloat decodes JSON numbers that may arrive as strings ("0.000003")
// or numbers (0.000003).
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		var v float64
		if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
