// Package gateway defines domain types and interfaces for the Relay LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Provider ---

// Provider is the interface that all upstream LLM gateway adapters implement.
type Provider interface {
	// Name returns the gateway slug (e.g. "openrouter", "groq").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// ListModels returns the gateway's model catalog. Implementations are
	// best-effort: transient upstream failure yields an empty slice and a
	// logged warning, never an error that aborts catalog aggregation.
	ListModels(ctx context.Context) ([]Model, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`

	// Gateway pins the request to a specific upstream, bypassing model-ID
	// heuristics. Optional.
	Gateway string `json:"gateway,omitempty"`
	// SessionID groups requests for activity reporting. Set from the
	// session_id query parameter, never from the body.
	SessionID string `json:"-"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	Choices           []Choice      `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`
	GatewayUsage      *GatewayUsage `json:"gateway_usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GatewayUsage is the billing block appended to completed responses.
type GatewayUsage struct {
	CostUSD          float64 `json:"cost_usd"`
	UserBalanceAfter float64 `json:"user_balance_after"`
	LatencyMs        int64   `json:"latency_ms"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil when the upstream reports usage (usually final chunk)
	Done  bool
	Err   error
}

// --- Model catalog ---

// Model is the normalized, provider-agnostic catalog record.
type Model struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	ContextLength   int           `json:"context_length"`
	Architecture    Architecture  `json:"architecture"`
	Pricing         ModelPricing  `json:"pricing"`
	ProviderSlug    string        `json:"provider_slug,omitempty"`
	ProviderSiteURL string        `json:"provider_site_url,omitempty"`
	ModelLogoURL    string        `json:"model_logo_url,omitempty"`
	SourceGateway   string        `json:"source_gateway"`
	HuggingFace     *HFMetrics    `json:"huggingface_metrics,omitempty"`
}

// Architecture describes a model's input/output modalities.
type Architecture struct {
	Modality         string   `json:"modality"`
	InputModalities  []string `json:"input_modalities,omitempty"`
	OutputModalities []string `json:"output_modalities,omitempty"`
}

// ModelPricing holds USD prices per 1,000,000 tokens. Values are never
// negative after normalization; upstream sentinel -1 (dynamic pricing)
// is mapped to 0.
type ModelPricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// HFMetrics carries HuggingFace popularity metrics when discoverable.
type HFMetrics struct {
	Downloads int64 `json:"downloads,omitempty"`
	Likes     int64 `json:"likes,omitempty"`
}

// --- Users, credits, activity ---

// Tier names. Rate-limit defaults fall back to the tier when no per-user
// limits are configured.
const (
	TierBasic = "basic"
	TierPro   = "pro"
	TierMax   = "max"
)

// User is the authenticated caller. Credits are mutated only by the credit
// ledger; everything else is a read-only view during a request.
type User struct {
	ID          string    `json:"id"`
	KeyHash     string    `json:"-"` // SHA-256 hex of the API key, never exposed
	KeyID       string    `json:"key_id"`
	Credits     float64   `json:"credits"`
	Tier        string    `json:"tier"`
	TrialActive bool      `json:"trial_active"`
	Blocked     bool      `json:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreditTransaction is one append-only row in the credits ledger. The sum of
// all deltas for a user equals current balance minus initial balance.
type CreditTransaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Timestamp        time.Time `json:"timestamp"`
	DeltaUSD         float64   `json:"delta_usd"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	Reason           string    `json:"reason"`
}

// ActivityEvent is per-request telemetry. Write-only from the request path;
// consumed by reporting.
type ActivityEvent struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Model            string            `json:"model"`
	Provider         string            `json:"provider"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	TotalTokens      int               `json:"total_tokens"`
	CostUSD          float64           `json:"cost_usd"`
	LatencyMs        int64             `json:"latency_ms"`
	FinishReason     string            `json:"finish_reason"`
	Endpoint         string            `json:"endpoint"`
	SessionID        string            `json:"session_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The User field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	User      *User
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// UserFromContext extracts the authenticated user from context.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}

// ContextWithUser stores the user in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// APIKeyPrefix is the prefix for all Relay API keys.
const APIKeyPrefix = "rly_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
