package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/circuitbreaker"
)

// stubProvider satisfies gateway.Provider; the engine only threads it
// through to the call, so the methods are never exercised here.
type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) ChatCompletion(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return nil, errors.New("not used")
}
func (s *stubProvider) ChatCompletionStream(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return nil, errors.New("not used")
}
func (s *stubProvider) ListModels(context.Context) ([]gateway.Model, error) { return nil, nil }

type stubSource struct{ gateways []string }

func (s *stubSource) Has(name string) bool {
	for _, g := range s.gateways {
		if g == name {
			return true
		}
	}
	return false
}

func (s *stubSource) Get(name string) (gateway.Provider, error) {
	if !s.Has(name) {
		return nil, gateway.ErrNotFound
	}
	return &stubProvider{name: name}, nil
}

type stubSupport struct{ unsupported map[string]bool }

func (s *stubSupport) Supports(gw, _ string) bool { return !s.unsupported[gw] }

func newTestEngine(source *stubSource, support SupportChecker, order []string) *Engine {
	e := New(source, support, nil, order)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestCandidatesOrderAndDedup(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter", "together"}}
	e := newTestEngine(source, nil, []string{"groq", "together", "openrouter", "missing"})

	got := e.Candidates("together", "meta-llama/llama-3-70b")
	want := []string{"together", "groq", "openrouter"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestCandidatesFiltersUnsupported(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	support := &stubSupport{unsupported: map[string]bool{"groq": true}}
	e := newTestEngine(source, support, []string{"groq", "openrouter"})

	got := e.Candidates("openrouter", "some/model")
	if len(got) != 1 || got[0] != "openrouter" {
		t.Fatalf("candidates = %v, want [openrouter]", got)
	}
}

func TestCandidatesPrimaryBypassesSupportFilter(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	support := &stubSupport{unsupported: map[string]bool{"groq": true}}
	e := newTestEngine(source, support, []string{"openrouter"})

	got := e.Candidates("groq", "some/model")
	if len(got) != 2 || got[0] != "groq" {
		t.Fatalf("candidates = %v, want groq first", got)
	}
}

func TestDoFirstAttemptSucceeds(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := newTestEngine(source, nil, []string{"openrouter"})

	calls := 0
	gw, err := e.Do(context.Background(), "groq", "groq/llama", func(_ context.Context, a Attempt) error {
		calls++
		if a.Gateway != "groq" || a.Model != "llama" {
			t.Fatalf("attempt = %+v", a)
		}
		return nil
	})
	if err != nil || gw != "groq" || calls != 1 {
		t.Fatalf("gw=%s err=%v calls=%d", gw, err, calls)
	}
}

func TestDoAdvancesOnTransientError(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := newTestEngine(source, nil, []string{"openrouter"})

	var tried []string
	gw, err := e.Do(context.Background(), "groq", "m", func(_ context.Context, a Attempt) error {
		tried = append(tried, a.Gateway)
		if a.Gateway == "groq" {
			return gateway.NewUpstreamError("groq", 502, "bad gateway")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if gw != "openrouter" || len(tried) != 2 {
		t.Fatalf("gw=%s tried=%v", gw, tried)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := newTestEngine(source, nil, []string{"openrouter"})

	for _, status := range []int{400, 401, 404} {
		calls := 0
		_, err := e.Do(context.Background(), "groq", "m", func(_ context.Context, a Attempt) error {
			calls++
			return gateway.NewUpstreamError(a.Gateway, status, "nope")
		})
		if err == nil {
			t.Fatalf("status %d: want error", status)
		}
		if calls != 1 {
			t.Fatalf("status %d: calls = %d, want 1 (terminal errors stop the chain)", status, calls)
		}
	}
}

func TestDoSkipsOnRateLimitWithoutBackoff(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := New(source, nil, nil, []string{"openrouter"})
	slept := false
	e.sleep = func(context.Context, time.Duration) error {
		slept = true
		return nil
	}

	gw, err := e.Do(context.Background(), "groq", "m", func(_ context.Context, a Attempt) error {
		if a.Gateway == "groq" {
			return gateway.NewUpstreamError("groq", 429, "limited")
		}
		return nil
	})
	if err != nil || gw != "openrouter" {
		t.Fatalf("gw=%s err=%v", gw, err)
	}
	if slept {
		t.Fatal("rate limit must skip without backing off")
	}
}

func TestDoSkipsNonRetryableWithoutBackoff(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := New(source, nil, nil, []string{"openrouter"})
	slept := false
	e.sleep = func(context.Context, time.Duration) error {
		slept = true
		return nil
	}

	gw, err := e.Do(context.Background(), "groq", "m", func(_ context.Context, a Attempt) error {
		if a.Gateway == "groq" {
			return &gateway.UpstreamError{Gateway: "groq", Kind: gateway.KindUnknown, Retryable: false, Body: "refused"}
		}
		return nil
	})
	if err != nil || gw != "openrouter" {
		t.Fatalf("gw=%s err=%v", gw, err)
	}
	if slept {
		t.Fatal("non-retryable failures advance without backing off")
	}
}

func TestDoRespectsAttemptBudget(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"a", "b", "c", "d", "e", "f"}}
	e := newTestEngine(source, nil, []string{"a", "b", "c", "d", "e", "f"})

	calls := 0
	_, err := e.Do(context.Background(), "a", "m", func(_ context.Context, a Attempt) error {
		calls++
		return gateway.NewUpstreamError(a.Gateway, 503, "down")
	})
	if err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if calls != maxAttempts {
		t.Fatalf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestDoCancelledContextStops(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	e := newTestEngine(source, nil, []string{"openrouter"})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := e.Do(ctx, "groq", "m", func(_ context.Context, a Attempt) error {
		calls++
		cancel()
		return gateway.NewUpstreamError(a.Gateway, 503, "down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want single attempt after cancel", err, calls)
	}
}

func TestDoSkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: []string{"groq", "openrouter"}}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5, MinSamples: 1, WindowSeconds: 60, OpenTimeout: time.Hour,
	})
	b := breakers.GetOrCreate("groq")
	b.RecordError(1.0) // trips immediately with MinSamples 1

	e := New(source, nil, breakers, []string{"openrouter"})
	e.sleep = func(context.Context, time.Duration) error { return nil }

	var tried []string
	gw, err := e.Do(context.Background(), "groq", "m", func(_ context.Context, a Attempt) error {
		tried = append(tried, a.Gateway)
		return nil
	})
	if err != nil || gw != "openrouter" {
		t.Fatalf("gw=%s err=%v", gw, err)
	}
	if len(tried) != 1 || tried[0] != "openrouter" {
		t.Fatalf("tried = %v, want only openrouter", tried)
	}
}

func TestDoNoCandidates(t *testing.T) {
	t.Parallel()
	source := &stubSource{gateways: nil}
	e := newTestEngine(source, nil, nil)

	_, err := e.Do(context.Background(), "groq", "m", func(context.Context, Attempt) error { return nil })
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	t.Parallel()

	for attempt, base := range []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second} {
		lo := time.Duration(float64(base) * (1 - jitterFrac))
		hi := time.Duration(float64(base) * (1 + jitterFrac))
		for range 20 {
			d := backoff(attempt)
			if d < lo || d > hi {
				t.Fatalf("backoff(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}
