// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sync/atomic"

	gateway "github.com/modelrelay/relay/internal"
)

// FakeProvider is a scriptable gateway.Provider. Zero value answers every
// chat call with Response (or Err) and every catalog call with Models.
type FakeProvider struct {
	Slug     string
	Response *gateway.ChatResponse
	Chunks   []gateway.StreamChunk
	Models   []gateway.Model
	Err      error

	calls atomic.Int64
}

// Calls reports how many chat calls (streaming or not) the fake served.
func (p *FakeProvider) Calls() int { return int(p.calls.Load()) }

func (p *FakeProvider) Name() string { return p.Slug }

func (p *FakeProvider) ChatCompletion(_ context.Context, _ *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Response != nil {
		return p.Response, nil
	}
	return &gateway.ChatResponse{
		Object: "chat.completion",
		Model:  p.Slug + "/fake-model",
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"ok"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *FakeProvider) ChatCompletionStream(_ context.Context, _ *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	ch := make(chan gateway.StreamChunk, len(p.Chunks)+1)
	for _, c := range p.Chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *FakeProvider) ListModels(_ context.Context) ([]gateway.Model, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Models, nil
}
