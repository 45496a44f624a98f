package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, credits float64) *gateway.User {
	t.Helper()
	u := &gateway.User{
		ID:        uuid.NewString(),
		KeyHash:   gateway.HashKey("rly_" + uuid.NewString()),
		KeyID:     uuid.NewString(),
		Credits:   credits,
		Tier:      gateway.TierBasic,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 5)

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Credits != 5 || got.Tier != gateway.TierBasic || got.Blocked {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	byHash, err := s.GetUserByKeyHash(ctx, u.KeyHash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if byHash.ID != u.ID {
		t.Fatalf("hash lookup returned %s, want %s", byHash.ID, u.ID)
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "nope")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetUserBlockedAndTier(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)

	if err := s.SetUserBlocked(ctx, u.ID, true); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := s.SetUserTier(ctx, u.ID, gateway.TierPro); err != nil {
		t.Fatalf("tier: %v", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Blocked || got.Tier != gateway.TierPro {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := s.SetUserBlocked(ctx, "nope", true); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("blocking unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestApplyCreditCAS(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 10)

	txn := &gateway.CreditTransaction{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Timestamp: time.Now().UTC(),
		DeltaUSD:  -2.5,
		Model:     "openai/gpt-4o",
		Reason:    "debit",
	}
	if err := s.ApplyCredit(ctx, u.ID, 10, 7.5, txn); err != nil {
		t.Fatalf("apply credit: %v", err)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != 7.5 {
		t.Fatalf("balance = %v, want 7.5", got.Credits)
	}

	// Stale old balance must fail with ErrConflict and leave no ledger row.
	stale := &gateway.CreditTransaction{ID: uuid.NewString(), UserID: u.ID, Timestamp: time.Now().UTC(), DeltaUSD: -1, Reason: "debit"}
	if err := s.ApplyCredit(ctx, u.ID, 10, 9, stale); !errors.Is(err, gateway.ErrConflict) {
		t.Fatalf("stale CAS: err = %v, want ErrConflict", err)
	}

	txns, err := s.ListTransactions(ctx, u.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(txns))
	}
	if txns[0].DeltaUSD != -2.5 || txns[0].Model != "openai/gpt-4o" {
		t.Fatalf("ledger row mismatch: %+v", txns[0])
	}
}

func TestApplyCreditUnknownUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	txn := &gateway.CreditTransaction{ID: uuid.NewString(), UserID: "nope", Timestamp: time.Now().UTC(), Reason: "debit"}
	err := s.ApplyCredit(context.Background(), "nope", 1, 0, txn)
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSumTransactions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 10)

	deltas := []float64{-1, -0.5, 3}
	balance := 10.0
	for _, d := range deltas {
		txn := &gateway.CreditTransaction{
			ID: uuid.NewString(), UserID: u.ID, Timestamp: time.Now().UTC(),
			DeltaUSD: d, Reason: "test",
		}
		if err := s.ApplyCredit(ctx, u.ID, balance, balance+d, txn); err != nil {
			t.Fatalf("apply %v: %v", d, err)
		}
		balance += d
	}

	sum, err := s.SumTransactions(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 1.5 {
		t.Fatalf("sum = %v, want 1.5", sum)
	}
}

func TestActivityInsertAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	events := []gateway.ActivityEvent{
		{
			ID: uuid.NewString(), UserID: "u1", Timestamp: base,
			Model: "openai/gpt-4o", Provider: "openrouter",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CostUSD: 0.01, LatencyMs: 420, FinishReason: "stop",
			Endpoint: "/v1/chat/completions", SessionID: "sess-1",
			Metadata: map[string]string{"request_id": "r1"},
		},
		{
			ID: uuid.NewString(), UserID: "u1", Timestamp: base.Add(time.Minute),
			Model: "qwen/qwen-max", Provider: "alibaba-cloud",
			TotalTokens: 10, Endpoint: "/v1/chat/completions",
		},
		{
			ID: uuid.NewString(), UserID: "u2", Timestamp: base.Add(2 * time.Minute),
			Model: "openai/gpt-4o", Provider: "openrouter",
		},
	}
	if err := s.InsertActivity(ctx, events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ListActivity(ctx, storage.ActivityFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("user filter returned %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].Model != "qwen/qwen-max" {
		t.Fatalf("order wrong, first = %s", got[0].Model)
	}
	if got[1].Metadata["request_id"] != "r1" {
		t.Fatalf("metadata lost: %+v", got[1].Metadata)
	}

	bySession, err := s.ListActivity(ctx, storage.ActivityFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 1 || bySession[0].SessionID != "sess-1" {
		t.Fatalf("session filter: %+v", bySession)
	}
}

func TestInsertActivityEmptyBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.InsertActivity(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}
