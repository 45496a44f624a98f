package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/modelrelay/relay/internal"
)

// ListTransactions returns a user's ledger rows, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]gateway.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, ts, delta_usd, model, prompt_tokens, completion_tokens, reason
		 FROM credit_transactions WHERE user_id = ?
		 ORDER BY ts DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CreditTransaction
	for rows.Next() {
		var t gateway.CreditTransaction
		var ts string
		var model sql.NullString
		err := rows.Scan(&t.ID, &t.UserID, &ts, &t.DeltaUSD, &model,
			&t.PromptTokens, &t.CompletionTokens, &t.Reason)
		if err != nil {
			return nil, err
		}
		t.Model = model.String
		if parsed, e := time.Parse(time.RFC3339Nano, ts); e == nil {
			t.Timestamp = parsed
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumTransactions returns the sum of all ledger deltas for a user. Equals the
// current balance minus the initial grant; used by consistency checks.
func (s *Store) SumTransactions(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_usd), 0) FROM credit_transactions WHERE user_id = ?`,
		userID,
	).Scan(&total)
	return total, err
}
