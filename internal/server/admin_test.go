package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/testutil"
)

func (h *harness) doAdmin(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

const adminKey = "rly_admin_test"

func TestAdminRequiresKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	for _, key := range []string{"", "wrong-key"} {
		w := h.doAdmin(t, http.MethodPost, "/admin/users", `{}`, key)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: status = %d, want 401", key, w.Code)
		}
	}
}

func TestAdminCreateUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users",
		`{"tier":"pro","credits":50}`, adminKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	resp := decodeBody[createUserResponse](t, w)
	if !strings.HasPrefix(resp.APIKey, gateway.APIKeyPrefix) {
		t.Fatalf("api key = %q, want %s prefix", resp.APIKey, gateway.APIKeyPrefix)
	}
	if resp.User.Tier != "pro" || resp.User.Credits != 50 {
		t.Fatalf("user = %+v", resp.User)
	}

	// The plaintext key resolves back to the stored user.
	u, err := h.store.GetUserByKeyHash(context.Background(), gateway.HashKey(resp.APIKey))
	if err != nil {
		t.Fatalf("stored user: %v", err)
	}
	if u.ID != resp.User.ID {
		t.Fatalf("stored ID = %q, want %q", u.ID, resp.User.ID)
	}
}

func TestAdminCreateUserNegativeCredits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users", `{"credits":-5}`, adminKey)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestAdminAddCredits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users/u1/credits",
		`{"amount_usd":15.5}`, adminKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[balanceResponse](t, w)
	if resp.Balance != 25.5 {
		t.Fatalf("balance = %v, want 25.5", resp.Balance)
	}

	// Top-up lands in the ledger.
	sum, err := h.store.SumTransactions(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != 15.5 {
		t.Fatalf("ledger sum = %v, want 15.5", sum)
	}
}

func TestAdminAddCreditsUnknownUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users/nope/credits",
		`{"amount_usd":5}`, adminKey)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestAdminBlockUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users/u1/block", `{"blocked":true}`, adminKey)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	u, _ := h.store.GetUser(context.Background(), "u1")
	if !u.Blocked {
		t.Fatal("user not blocked")
	}
}

func TestAdminSetTier(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})

	w := h.doAdmin(t, http.MethodPost, "/admin/users/u1/tier", `{"tier":"max"}`, adminKey)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	u, _ := h.store.GetUser(context.Background(), "u1")
	if u.Tier != "max" {
		t.Fatalf("tier = %q", u.Tier)
	}

	w = h.doAdmin(t, http.MethodPost, "/admin/users/u1/tier", `{}`, adminKey)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty tier: status = %d, want 400", w.Code)
	}
}

func TestAdminCatalogRefreshAndClear(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{
		Slug:   "groq",
		Models: catalogModels("groq/llama"),
	})

	if w := h.doAdmin(t, http.MethodPost, "/admin/catalog/refresh?gateway=groq", "", adminKey); w.Code != http.StatusNoContent {
		t.Fatalf("refresh = %d", w.Code)
	}
	if w := h.doAdmin(t, http.MethodDelete, "/admin/catalog/cache?gateway=groq", "", adminKey); w.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", w.Code)
	}
	if w := h.doAdmin(t, http.MethodPost, "/admin/catalog/refresh?gateway=nope", "", adminKey); w.Code != http.StatusNotFound {
		t.Fatalf("unknown gateway refresh = %d", w.Code)
	}
}

func TestAdminListActivity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.FakeProvider{Slug: "groq"})
	h.store.InsertActivity(context.Background(), []gateway.ActivityEvent{
		{ID: "e1", UserID: "u1", Model: "groq/llama", Provider: "groq"},
		{ID: "e2", UserID: "u2", Model: "groq/llama", Provider: "groq"},
	})

	w := h.doAdmin(t, http.MethodGet, "/admin/activity?user_id=u1", "", adminKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[activityListResponse](t, w)
	if resp.Returned != 1 || resp.Data[0].ID != "e1" {
		t.Fatalf("resp = %+v", resp)
	}

	w = h.doAdmin(t, http.MethodGet, "/admin/activity?since=not-a-time", "", adminKey)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad since: status = %d, want 400", w.Code)
	}
}
