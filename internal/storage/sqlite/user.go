package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/modelrelay/relay/internal"
)

// CreateUser inserts a new user with its API key hash.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, key_hash, key_id, credits, tier, trial_active, blocked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.KeyHash, u.KeyID, u.Credits, u.Tier,
		boolToInt(u.TrialActive), boolToInt(u.Blocked),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_id, credits, tier, trial_active, blocked, created_at
		 FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

// GetUserByKeyHash retrieves a user by the SHA-256 hash of its API key.
func (s *Store) GetUserByKeyHash(ctx context.Context, hash string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_id, credits, tier, trial_active, blocked, created_at
		 FROM users WHERE key_hash = ?`, hash,
	)
	return scanUser(row)
}

// SetUserBlocked flips the blocked flag.
func (s *Store) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET blocked=? WHERE id=?`, boolToInt(blocked), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// SetUserTier changes a user's tier.
func (s *Store) SetUserTier(ctx context.Context, id, tier string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET tier=? WHERE id=?`, tier, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// ApplyCredit performs the compare-and-swap balance update and appends the
// ledger row in one transaction. The UPDATE's WHERE clause carries the
// expected old balance; zero rows affected means another writer got there
// first and the caller must re-read and retry.
func (s *Store) ApplyCredit(ctx context.Context, userID string, oldBalance, newBalance float64, txn *gateway.CreditTransaction) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET credits=? WHERE id=? AND credits=?`,
		newBalance, userID, oldBalance,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing user.
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE id=?`, userID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("user %s: %w", userID, gateway.ErrNotFound)
		}
		return gateway.ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
		 (id, user_id, ts, delta_usd, model, prompt_tokens, completion_tokens, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.Timestamp.UTC().Format(time.RFC3339Nano),
		txn.DeltaUSD, nullStr(txn.Model),
		txn.PromptTokens, txn.CompletionTokens, txn.Reason,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*gateway.User, error) {
	var u gateway.User
	var trial, blocked int
	var createdAt string

	err := sc.Scan(&u.ID, &u.KeyHash, &u.KeyID, &u.Credits, &u.Tier, &trial, &blocked, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.TrialActive = trial != 0
	u.Blocked = blocked != 0
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		u.CreatedAt = t
	}
	return &u, nil
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
