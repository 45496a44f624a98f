package testutil

import (
	"context"
	"sync"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

// FakeStore is an in-memory storage.Store for tests.
type FakeStore struct {
	mu     sync.Mutex
	users  map[string]*gateway.User
	byHash map[string]string // key hash -> user ID
	txns   []gateway.CreditTransaction
	events []gateway.ActivityEvent
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:  map[string]*gateway.User{},
		byHash: map[string]string{},
	}
}

// SeedUser inserts a user directly, bypassing validation.
func (s *FakeStore) SeedUser(u *gateway.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	s.byHash[u.KeyHash] = u.ID
}

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[u.KeyHash]; ok {
		return gateway.ErrConflict
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byHash[u.KeyHash] = u.ID
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserByKeyHash(_ context.Context, hash string) (*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *FakeStore) SetUserBlocked(_ context.Context, id string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return gateway.ErrNotFound
	}
	u.Blocked = blocked
	return nil
}

func (s *FakeStore) SetUserTier(_ context.Context, id, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return gateway.ErrNotFound
	}
	u.Tier = tier
	return nil
}

func (s *FakeStore) ApplyCredit(_ context.Context, userID string, oldBalance, newBalance float64, txn *gateway.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return gateway.ErrNotFound
	}
	if u.Credits != oldBalance {
		return gateway.ErrConflict
	}
	u.Credits = newBalance
	s.txns = append(s.txns, *txn)
	return nil
}

func (s *FakeStore) ListTransactions(_ context.Context, userID string, offset, limit int) ([]gateway.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.CreditTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			out = append(out, s.txns[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) SumTransactions(_ context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, t := range s.txns {
		if t.UserID == userID {
			sum += t.DeltaUSD
		}
	}
	return sum, nil
}

func (s *FakeStore) InsertActivity(_ context.Context, events []gateway.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *FakeStore) ListActivity(_ context.Context, f storage.ActivityFilter) ([]gateway.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.ActivityEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Model != "" && e.Model != f.Model {
			continue
		}
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns a copy of all inserted activity events in insertion order.
func (s *FakeStore) Events() []gateway.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }

var _ storage.Store = (*FakeStore)(nil)
