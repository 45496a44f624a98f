package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/modelrelay/relay/internal"
)

// ReadSSEStream reads SSE lines from resp and sends them as StreamChunks on
// ch. It handles the standard "[DONE]" sentinel and extracts usage from any
// chunk that carries it, so the orchestrator can account without re-parsing.
// The channel is closed when done. Used by every OpenAI-compatible adapter.
func ReadSSEStream(ctx context.Context, gw string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", gw, err)}
	}
}

// DeltaContent extracts the content delta from a raw chunk payload, or ""
// when the chunk carries no text (tool calls, role-only deltas, usage-only
// frames).
func DeltaContent(data []byte) string {
	return gjson.GetBytes(data, "choices.0.delta.content").String()
}

// FinishReason extracts the finish_reason from a raw chunk payload, or "".
func FinishReason(data []byte) string {
	return gjson.GetBytes(data, "choices.0.finish_reason").String()
}
