package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/app"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/failover"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/ratelimit"
	"github.com/modelrelay/relay/internal/testutil"
	"github.com/modelrelay/relay/internal/tokencount"
)

// --- stubs for the chat pipeline ---

type stubRouter struct{}

func (stubRouter) Resolve(model, explicit string) (string, string) {
	if explicit != "" {
		return explicit, model
	}
	if gw, rest, ok := strings.Cut(model, "/"); ok {
		return gw, rest
	}
	return "openrouter", model
}

type stubLimiter struct {
	result ratelimit.Result
}

func (l *stubLimiter) Check(context.Context, *gateway.User, string, int64) ratelimit.Result {
	return l.result
}

func (l *stubLimiter) Record(context.Context, *gateway.User, string, int64) {}

type stubCredits struct {
	mu         sync.Mutex
	balance    float64
	reserveErr error
	debits     int
}

func (c *stubCredits) Reserve(_ *gateway.User, _ float64) error { return c.reserveErr }

func (c *stubCredits) DebitUsage(_ context.Context, _ string, cost float64, _ string, _, _ int, _ string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debits++
	c.balance -= cost
	return c.balance, nil
}

type stubPricer struct{}

func (stubPricer) Cost(_ string, pt, ct int) float64 {
	return float64(pt)*0.00001 + float64(ct)*0.00002
}

// stubInvoker calls the single provider directly, no failover.
type stubInvoker struct {
	gw string
	p  gateway.Provider
}

func (i *stubInvoker) Do(ctx context.Context, _, model string, call func(context.Context, failover.Attempt) error) (string, error) {
	err := call(ctx, failover.Attempt{Gateway: i.gw, Provider: i.p, Model: model})
	return i.gw, err
}

type stubSink struct {
	mu     sync.Mutex
	events []gateway.ActivityEvent
}

func (s *stubSink) Log(e gateway.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// --- harness ---

type harness struct {
	handler http.Handler
	user    *gateway.User
	credits *stubCredits
	limiter *stubLimiter
	sink    *stubSink
	store   *testutil.FakeStore
}

func newHarness(t *testing.T, p *testutil.FakeProvider) *harness {
	t.Helper()

	user := &gateway.User{ID: "u1", Credits: 10, Tier: gateway.TierBasic}
	credits := &stubCredits{balance: 10}
	limiter := &stubLimiter{result: ratelimit.Result{Allowed: true}}
	sink := &stubSink{}

	chat := app.NewChatService(
		stubRouter{}, limiter, credits, stubPricer{},
		&stubInvoker{gw: p.Slug, p: p}, sink, tokencount.NewCounter(),
	)

	reg := provider.NewRegistry()
	reg.Register(p.Slug, p)
	cache := catalog.New(func(ctx context.Context, gw string) ([]gateway.Model, error) {
		pr, err := reg.Get(gw)
		if err != nil {
			return nil, err
		}
		return pr.ListModels(ctx)
	})

	store := testutil.NewFakeStore()
	store.SeedUser(user)
	users := app.NewUserManager(store, ledger.New(store), nil)

	return &harness{
		handler: New(Deps{
			Auth:     &testutil.FakeAuth{User: user},
			Chat:     chat,
			Catalog:  app.NewCatalogService(cache, reg),
			Users:    users,
			Activity: store,
			AdminKey: "rly_admin_test",
		}),
		user:    user,
		credits: credits,
		limiter: limiter,
		sink:    sink,
		store:   store,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, w.Body.String())
	}
	return v
}

// --- system endpoints ---

func TestPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.do(t, http.MethodGet, "/ping", "")
	if w.Code != http.StatusOK || w.Body.String() != "pong" {
		t.Fatalf("ping = %d %q", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	resp := decodeBody[healthResponse](t, w)
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestHealthNotReady(t *testing.T) {
	t.Parallel()
	handler := New(Deps{
		Auth:  &testutil.FakeAuth{User: &gateway.User{ID: "u1"}},
		Ready: func(context.Context) error { return context.DeadlineExceeded },
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health = %d, want 503", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.do(t, http.MethodGet, "/ping", "")
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("X-Request-Id", "given-id")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	if got := w.Header().Get("X-Request-Id"); got != "given-id" {
		t.Fatalf("request id = %q, want caller-provided value", got)
	}
}

func TestAuthFailure(t *testing.T) {
	t.Parallel()
	handler := New(Deps{
		Auth: &testutil.FakeAuth{Err: gateway.ErrUnauthorized},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	resp := decodeBody[apiError](t, w)
	if resp.Error.Type != "auth_error" {
		t.Fatalf("type = %q, want auth_error", resp.Error.Type)
	}
}

// --- model catalog endpoints ---

func catalogModels(ids ...string) []gateway.Model {
	out := make([]gateway.Model, len(ids))
	for i, id := range ids {
		out[i] = gateway.Model{ID: id, Name: id, SourceGateway: "groq"}
	}
	return out
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{
		Slug:   "groq",
		Models: catalogModels("groq/llama-3.3-70b", "groq/mixtral-8x7b"),
	})

	w := h.do(t, http.MethodGet, "/v1/models?gateway=groq", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[modelListResponse](t, w)
	if resp.Total != 2 || resp.Returned != 2 || len(resp.Data) != 2 {
		t.Fatalf("resp = total %d returned %d len %d", resp.Total, resp.Returned, len(resp.Data))
	}
}

func TestListModelsLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{
		Slug:   "groq",
		Models: catalogModels("a", "b", "c"),
	})

	w := h.do(t, http.MethodGet, "/v1/models?gateway=groq&limit=1", "")
	resp := decodeBody[modelListResponse](t, w)
	if resp.Total != 3 || resp.Returned != 1 {
		t.Fatalf("total %d returned %d, want 3/1", resp.Total, resp.Returned)
	}
}

func TestListModelsUnknownGateway(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.do(t, http.MethodGet, "/v1/models?gateway=nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCatalogModelLiteralSlashes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{
		Slug:   "groq",
		Models: catalogModels("groq/meta-llama/llama-3.3-70b"),
	})

	w := h.do(t, http.MethodGet, "/catalog/model/groq/meta-llama/llama-3.3-70b", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	m := decodeBody[gateway.Model](t, w)
	if m.ID != "groq/meta-llama/llama-3.3-70b" {
		t.Fatalf("id = %q", m.ID)
	}
}

func TestCatalogModelNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq", Models: catalogModels("groq/llama")})

	w := h.do(t, http.MethodGet, "/catalog/model/groq/absent-model", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
