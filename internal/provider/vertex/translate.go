package vertex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/modelrelay/relay/internal"
)

// generateRequest is the Vertex generateContent payload.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// translateRequest converts an OpenAI chat request into Vertex form.
// System messages become systemInstruction; assistant maps to the "model"
// role.
func translateRequest(req *gateway.ChatRequest) *generateRequest {
	out := &generateRequest{}

	for _, m := range req.Messages {
		text := messageText(m.Content)
		switch m.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &content{Parts: []part{{Text: text}}}
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part{Text: text})
			}
		case "assistant":
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: text}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: text}}})
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

// messageText extracts plain text from an OpenAI message content value,
// which is either a JSON string or an array of typed parts.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var sb strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" {
			sb.WriteString(p.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// finishReasonMap translates Vertex finish reasons to OpenAI's vocabulary.
var finishReasonMap = map[string]string{
	"STOP":       "stop",
	"MAX_TOKENS": "length",
	"SAFETY":     "content_filter",
	"RECITATION": "content_filter",
}

func mapFinishReason(v string) string {
	if m, ok := finishReasonMap[v]; ok {
		return m
	}
	if v == "" {
		return ""
	}
	return "stop"
}

// translateResponse converts a Vertex generateContent response body into an
// OpenAI chat completion.
func translateResponse(model string, body []byte) (*gateway.ChatResponse, error) {
	root := gjson.ParseBytes(body)
	cand := root.Get("candidates.0")
	if !cand.Exists() {
		return nil, fmt.Errorf("vertex: response has no candidates")
	}

	var text strings.Builder
	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		text.WriteString(p.Get("text").String())
		return true
	})

	contentJSON, _ := json.Marshal(text.String())
	resp := &gateway.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: contentJSON},
			FinishReason: mapFinishReason(cand.Get("finishReason").String()),
		}},
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		resp.Usage = &gateway.Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}
	}
	return resp, nil
}

// parseStreamFrame extracts delta text, finish reason, and usage from one
// Vertex SSE frame.
func parseStreamFrame(data []byte) (text, finish string, usage *gateway.Usage) {
	root := gjson.ParseBytes(data)
	cand := root.Get("candidates.0")
	if cand.Exists() {
		var sb strings.Builder
		cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			sb.WriteString(p.Get("text").String())
			return true
		})
		text = sb.String()
		finish = mapFinishReason(cand.Get("finishReason").String())
	}
	if um := root.Get("usageMetadata"); um.Exists() && um.Get("totalTokenCount").Int() > 0 {
		usage = &gateway.Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}
	}
	return text, finish, usage
}
