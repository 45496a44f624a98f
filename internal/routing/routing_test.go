package routing

import (
	"testing"
)

type fakeIndex struct {
	byID map[string]string
}

func (f *fakeIndex) FindGateway(id string) (string, bool) {
	gw, ok := f.byID[id]
	return gw, ok
}

func TestResolveExplicitGateway(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	gw, id := tr.Resolve("meta-llama/llama-3.3-70b", "groq")
	if gw != "groq" {
		t.Fatalf("gateway = %q, want groq", gw)
	}
	if id != "meta-llama/llama-3.3-70b" {
		t.Fatalf("id = %q", id)
	}
}

func TestResolveAtOverride(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	gw, id := tr.Resolve("@groq/llama-3.3-70b", "")
	if gw != "groq" || id != "llama-3.3-70b" {
		t.Fatalf("got (%q, %q), want (groq, llama-3.3-70b)", gw, id)
	}
}

func TestResolvePrefixTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		wantGW string
		wantID string
	}{
		{"groq/llama-3.3-70b", "groq", "llama-3.3-70b"},
		{"anthropic/claude-3-5-sonnet", "portkey", "anthropic/claude-3-5-sonnet"},
		{"qwen/qwen-max", "alibaba-cloud", "qwen-max"},
		{"google/gemini-1.5-pro", "google-vertex", "gemini-1.5-pro"},
		{"openrouter/meta-llama/llama-3-8b", "openrouter", "meta-llama/llama-3-8b"},
		{"near/llama-3p1-70b-instruct", "openrouter", "near/llama-3p1-70b-instruct"},
		{"huggingface/mistralai/Mistral-7B", "huggingface", "mistralai/Mistral-7B"},
		{"xai/grok-2", "xai", "grok-2"},
	}

	tr := New(nil)
	for _, tt := range tests {
		gw, id := tr.Resolve(tt.model, "")
		if gw != tt.wantGW || id != tt.wantID {
			t.Errorf("Resolve(%q) = (%q, %q), want (%q, %q)", tt.model, gw, id, tt.wantGW, tt.wantID)
		}
	}
}

func TestResolveSubstringHeuristics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		wantGW string
	}{
		{"qwen-max", "alibaba-cloud"},
		{"gemini-2.0-flash", "google-vertex"},
		{"grok-2-latest", "xai"},
	}

	tr := New(nil)
	for _, tt := range tests {
		gw, _ := tr.Resolve(tt.model, "")
		if gw != tt.wantGW {
			t.Errorf("Resolve(%q) gateway = %q, want %q", tt.model, gw, tt.wantGW)
		}
	}
}

func TestResolveCatalogDetection(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{byID: map[string]string{
		"mistralai/mistral-large": "fireworks",
	}}
	tr := New(idx)

	gw, id := tr.Resolve("mistralai/mistral-large", "")
	if gw != "fireworks" {
		t.Fatalf("gateway = %q, want fireworks", gw)
	}
	if id != "mistralai/mistral-large" {
		t.Fatalf("id = %q", id)
	}

	// Second resolve comes from the detection cache; the index can go away.
	idx.byID = nil
	gw, _ = tr.Resolve("mistralai/mistral-large", "")
	if gw != "fireworks" {
		t.Fatalf("cached gateway = %q, want fireworks", gw)
	}
}

func TestResolveFallback(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	gw, id := tr.Resolve("vendor-nobody-knows/model-x", "")
	if gw != Fallback {
		t.Fatalf("gateway = %q, want %q", gw, Fallback)
	}
	if id != "vendor-nobody-knows/model-x" {
		t.Fatalf("id = %q", id)
	}
}

func TestTransformIDIdempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		gw    string
		model string
		want  string
	}{
		{"openrouter", "openrouter/meta-llama/llama-3-8b", "meta-llama/llama-3-8b"},
		{"openrouter", "meta-llama/llama-3-8b", "meta-llama/llama-3-8b"},
		{"alibaba-cloud", "qwen/qwen-max", "qwen-max"},
		{"alibaba-cloud", "alibaba-cloud/qwen-max", "qwen-max"},
		{"google-vertex", "google/gemini-1.5-pro", "gemini-1.5-pro"},
		{"portkey", "portkey/anthropic/claude-3-5-sonnet", "anthropic/claude-3-5-sonnet"},
		{"huggingface", "huggingface/mistralai/Mistral-7B", "mistralai/Mistral-7B"},
		{"groq", "groq/llama-3.3-70b", "llama-3.3-70b"},
		{"groq", "meta-llama/llama-3.3-70b", "meta-llama/llama-3.3-70b"},
	}

	for _, tt := range tests {
		once := TransformID(tt.gw, tt.model)
		if once != tt.want {
			t.Errorf("TransformID(%q, %q) = %q, want %q", tt.gw, tt.model, once, tt.want)
		}
		twice := TransformID(tt.gw, once)
		if twice != once {
			t.Errorf("TransformID(%q, %q) not idempotent: %q then %q", tt.gw, tt.model, once, twice)
		}
	}
}
