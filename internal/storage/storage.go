// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/modelrelay/relay/internal"
)

// UserStore manages user and API key persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	GetUserByKeyHash(ctx context.Context, hash string) (*gateway.User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
	SetUserTier(ctx context.Context, id, tier string) error
	// ApplyCredit atomically moves a user's balance from oldBalance to
	// newBalance and appends the ledger row, in one database transaction.
	// Returns gateway.ErrConflict when the stored balance no longer equals
	// oldBalance; callers re-read and retry.
	ApplyCredit(ctx context.Context, userID string, oldBalance, newBalance float64, txn *gateway.CreditTransaction) error
}

// TransactionStore reads the append-only credits ledger.
type TransactionStore interface {
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]gateway.CreditTransaction, error)
	SumTransactions(ctx context.Context, userID string) (float64, error)
}

// ActivityStore persists per-request activity events.
type ActivityStore interface {
	InsertActivity(ctx context.Context, events []gateway.ActivityEvent) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]gateway.ActivityEvent, error)
}

// ActivityFilter narrows activity queries. Zero fields match everything.
type ActivityFilter struct {
	UserID    string
	Model     string
	Provider  string
	SessionID string
	Since     string // RFC3339, inclusive
	Until     string // RFC3339, exclusive
	Offset    int
	Limit     int
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	TransactionStore
	ActivityStore
	Ping(ctx context.Context) error
	Close() error
}
