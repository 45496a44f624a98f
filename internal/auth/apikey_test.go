package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gateway "github.com/modelrelay/relay/internal"
)

type fakeUserStore struct {
	users   map[string]*gateway.User // key hash -> user
	lookups atomic.Int64
}

func (f *fakeUserStore) CreateUser(context.Context, *gateway.User) error { return nil }
func (f *fakeUserStore) GetUser(context.Context, string) (*gateway.User, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUserStore) SetUserBlocked(context.Context, string, bool) error { return nil }
func (f *fakeUserStore) SetUserTier(context.Context, string, string) error  { return nil }
func (f *fakeUserStore) ApplyCredit(context.Context, string, float64, float64, *gateway.CreditTransaction) error {
	return nil
}

func (f *fakeUserStore) GetUserByKeyHash(_ context.Context, hash string) (*gateway.User, error) {
	f.lookups.Add(1)
	u, ok := f.users[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

func newTestAuth(t *testing.T, users ...*gateway.User) (*APIKeyAuth, *fakeUserStore) {
	t.Helper()
	store := &fakeUserStore{users: map[string]*gateway.User{}}
	for _, u := range users {
		store.users[u.KeyHash] = u
	}
	a, err := NewAPIKeyAuth(store)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a, store
}

func TestAuthenticateValidKey(t *testing.T) {
	t.Parallel()
	rawKey := "rly_testkey123"
	u := &gateway.User{ID: "u1", KeyHash: gateway.HashKey(rawKey), Credits: 5}
	a, _ := newTestAuth(t, u)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+rawKey)

	got, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("user = %s, want u1", got.ID)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	t.Parallel()
	rawKey := "rly_goodkey"
	a, _ := newTestAuth(t, &gateway.User{ID: "u1", KeyHash: gateway.HashKey(rawKey)})

	cases := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing header", "", gateway.ErrUnauthorized},
		{"not bearer", "Basic abc", gateway.ErrUnauthorized},
		{"empty bearer", "Bearer ", gateway.ErrUnauthorized},
		{"wrong prefix", "Bearer sk_foreignkey", gateway.ErrUnauthorized},
		{"unknown key", "Bearer rly_unknownkey", gateway.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			_, err := a.Authenticate(context.Background(), r)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestAuthenticateBlockedKey(t *testing.T) {
	t.Parallel()
	rawKey := "rly_blockedkey"
	a, _ := newTestAuth(t, &gateway.User{ID: "u1", KeyHash: gateway.HashKey(rawKey), Blocked: true})

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+rawKey)

	_, err := a.Authenticate(context.Background(), r)
	if !errors.Is(err, gateway.ErrKeyBlocked) {
		t.Fatalf("err = %v, want ErrKeyBlocked", err)
	}
}

func TestAuthenticateCachesLookups(t *testing.T) {
	t.Parallel()
	rawKey := "rly_cachedkey"
	a, store := newTestAuth(t, &gateway.User{ID: "u1", KeyHash: gateway.HashKey(rawKey)})

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+rawKey)

	for range 5 {
		if _, err := a.Authenticate(context.Background(), r); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
	if n := store.lookups.Load(); n != 1 {
		t.Fatalf("store lookups = %d, want 1 (rest served from cache)", n)
	}
}

func TestInvalidateForcesRelookup(t *testing.T) {
	t.Parallel()
	rawKey := "rly_invalkey"
	u := &gateway.User{ID: "u1", KeyHash: gateway.HashKey(rawKey)}
	a, store := newTestAuth(t, u)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+rawKey)

	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	a.Invalidate("u1")
	if _, err := a.Authenticate(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if n := store.lookups.Load(); n != 2 {
		t.Fatalf("store lookups = %d, want 2 after invalidation", n)
	}
}
