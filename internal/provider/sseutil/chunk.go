package sseutil

import (
	"encoding/json"

	gateway "github.com/modelrelay/relay/internal"
)

// BuildDeltaChunk builds an OpenAI-format streaming chunk JSON.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": NilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildFinishChunk builds a chunk with finish_reason set and an empty delta.
func BuildFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildUsageChunk builds a chunk carrying usage statistics and no choices.
func BuildUsageChunk(id, model string, usage *gateway.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildGatewayUsageChunk builds the final billing frame appended to a
// completed stream: upstream usage plus the gateway's cost block.
func BuildGatewayUsageChunk(model string, usage *gateway.Usage, gu *gateway.GatewayUsage) []byte {
	chunk := map[string]any{
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
		"gateway_usage": map[string]any{
			"cost_usd":           gu.CostUSD,
			"user_balance_after": gu.UserBalanceAfter,
			"latency_ms":         gu.LatencyMs,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildErrorChunk builds an in-band SSE error frame. Emitted when the
// upstream fails after the stream has already started; the stream is then
// terminated with [DONE].
func BuildErrorChunk(message, code string) []byte {
	chunk := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "upstream_error",
			"code":    code,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
