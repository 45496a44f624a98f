// Package vertex implements the gateway.Provider adapter for Google Vertex
// AI publisher models. Vertex does not speak the OpenAI wire format, so
// requests and responses are translated, and auth uses a GCP service-account
// token source instead of a static API key.
package vertex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/provider/sseutil"
)

const (
	slug  = "google-vertex"
	scope = "https://www.googleapis.com/auth/cloud-platform"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Vertex AI provider adapter.
type Client struct {
	project  string
	location string
	http     *http.Client
	timeout  time.Duration
}

// New creates a Vertex client. credentialsJSON is the service-account key,
// either raw JSON or base64-encoded (both forms appear in deployment env
// vars). The returned client owns an OAuth2 transport that refreshes tokens
// as needed.
func New(ctx context.Context, credentialsJSON, project, location string, timeout time.Duration) (*Client, error) {
	if location == "" {
		location = "us-central1"
	}
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}

	raw := []byte(credentialsJSON)
	if !json.Valid(raw) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(credentialsJSON))
		if err != nil {
			return nil, fmt.Errorf("vertex: credentials are neither JSON nor base64: %w", err)
		}
		raw = decoded
	}

	creds, err := google.CredentialsFromJSON(ctx, raw, scope)
	if err != nil {
		return nil, fmt.Errorf("vertex: parse credentials: %w", err)
	}
	if project == "" {
		project = creds.ProjectID
	}
	if project == "" {
		return nil, fmt.Errorf("vertex: project ID not set and not present in credentials")
	}

	httpClient := oauth2.NewClient(ctx, creds.TokenSource)
	httpClient.Timeout = timeout

	return &Client{
		project:  project,
		location: location,
		http:     httpClient,
		timeout:  timeout,
	}, nil
}

// Name returns the gateway slug.
func (c *Client) Name() string { return slug }

func (c *Client) modelURL(model, verb string) string {
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.location, c.project, c.location, StripPrefix(model), verb,
	)
}

// StripPrefix rewrites "google-vertex/gemini-1.5-pro" and "google/gemini-…"
// to the bare publisher model name. Idempotent.
func StripPrefix(model string) string {
	for _, p := range []string{"google-vertex/", "google/"} {
		if rest, ok := strings.CutPrefix(model, p); ok {
			return rest
		}
	}
	return model
}

// ChatCompletion sends a non-streaming generateContent request and
// translates the response into OpenAI chat-completion form.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(req.Model, "generateContent"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseUpstreamError(slug, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}
	return translateResponse(req.Model, respBody)
}

// ChatCompletionStream sends a streaming streamGenerateContent request and
// translates each SSE frame into an OpenAI chat.completion.chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	u := c.modelURL(req.Model, "streamGenerateContent") + "?alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportError(slug, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseUpstreamError(slug, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, req.Model, resp, ch)
	return ch, nil
}

// readStream translates Vertex SSE frames to OpenAI chunk frames on ch.
func (c *Client) readStream(ctx context.Context, model string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	id := "chatcmpl-" + fmt.Sprintf("%d", time.Now().UnixNano())
	scanner := sseutil.NewScanner(resp.Body)
	var usage *gateway.Usage

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}

		text, finish, u := parseStreamFrame([]byte(data))
		if u != nil {
			usage = u
		}

		var out gateway.StreamChunk
		switch {
		case text != "":
			out = gateway.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, "")}
		case finish != "":
			out = gateway.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, finish)}
		default:
			continue
		}

		select {
		case ch <- out:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("vertex: read stream: %w", err)}
		return
	}
	if usage != nil {
		ch <- gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage}
	}
	ch <- gateway.StreamChunk{Done: true}
}

// ListModels returns the curated Gemini publisher models. Vertex exposes no
// catalog listing comparable to OpenAI /models, so the set is static; prices
// are filled by the pricing table during normalization.
func (c *Client) ListModels(_ context.Context) ([]gateway.Model, error) {
	names := []string{
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
		"gemini-1.5-pro",
		"gemini-1.5-flash",
	}
	models := make([]gateway.Model, len(names))
	for i, n := range names {
		models[i] = gateway.Model{
			ID:   "google/" + n,
			Name: n,
			Architecture: gateway.Architecture{
				Modality:         "text+image->text",
				InputModalities:  []string{"text", "image"},
				OutputModalities: []string{"text"},
			},
		}
	}
	return models, nil
}
