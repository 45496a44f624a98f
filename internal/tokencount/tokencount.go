// Package tokencount estimates token counts for rate limiting and credit
// reservation. It uses tiktoken (cl100k_base) when the encoding is
// available and falls back to a ~4 chars/token heuristic otherwise, so the
// request path never blocks on tokenizer data.
package tokencount

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/modelrelay/relay/internal"
)

// fallbackEncoding covers GPT-4-era and most open models closely enough for
// estimation; exact billing always comes from upstream-reported usage.
const fallbackEncoding = "cl100k_base"

// Counter estimates token counts for requests and text.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a new Counter. The tokenizer loads lazily on first use.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) encoder() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			slog.Warn("tokenizer unavailable, using char heuristic", "encoding", fallbackEncoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// EstimateRequest estimates the total prompt token count for a chat
// completion request, including per-message formatting overhead.
func (c *Counter) EstimateRequest(messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.CountText(m.Role)
		total += c.CountText(string(m.Content))
		if m.Name != "" {
			total += c.CountText(m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += c.CountText(string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += c.CountText(m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText counts (or estimates) tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// ~4 bytes per token for English; ceil division.
	return (len(text) + 3) / 4
}

// perMessageOverhead is the framing cost per chat message.
const perMessageOverhead = 4
