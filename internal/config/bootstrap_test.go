package config

import (
	"context"
	"testing"

	gateway "github.com/modelrelay/relay/internal"
)

type seedStore struct {
	byHash map[string]*gateway.User
}

func (s *seedStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.byHash[u.KeyHash] = u
	return nil
}

func (s *seedStore) GetUserByKeyHash(_ context.Context, hash string) (*gateway.User, error) {
	if u, ok := s.byHash[hash]; ok {
		return u, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *seedStore) GetUser(context.Context, string) (*gateway.User, error) {
	return nil, gateway.ErrNotFound
}
func (s *seedStore) SetUserBlocked(context.Context, string, bool) error { return nil }
func (s *seedStore) SetUserTier(context.Context, string, string) error  { return nil }
func (s *seedStore) ApplyCredit(context.Context, string, float64, float64, *gateway.CreditTransaction) error {
	return nil
}

func TestBootstrapSeedsUsers(t *testing.T) {
	t.Parallel()
	store := &seedStore{byHash: map[string]*gateway.User{}}
	cfg := &Config{Users: []UserEntry{
		{Name: "dev", Key: "rly_devkey", Credits: 25, Tier: "pro"},
		{Name: "trial", Key: "rly_trialkey", Trial: true},
	}}

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	u, err := store.GetUserByKeyHash(context.Background(), gateway.HashKey("rly_devkey"))
	if err != nil {
		t.Fatalf("seeded user missing: %v", err)
	}
	if u.Credits != 25 || u.Tier != "pro" {
		t.Fatalf("user = %+v", u)
	}

	trial, _ := store.GetUserByKeyHash(context.Background(), gateway.HashKey("rly_trialkey"))
	if !trial.TrialActive || trial.Tier != gateway.TierBasic {
		t.Fatalf("trial user = %+v", trial)
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	t.Parallel()
	store := &seedStore{byHash: map[string]*gateway.User{}}
	cfg := &Config{Users: []UserEntry{{Name: "dev", Key: "rly_devkey", Credits: 25}}}

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatal(err)
	}
	first := store.byHash[gateway.HashKey("rly_devkey")]

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatal(err)
	}
	if store.byHash[gateway.HashKey("rly_devkey")] != first {
		t.Fatal("re-running bootstrap must not replace existing users")
	}
}
