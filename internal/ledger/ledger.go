// Package ledger maintains user credit balances. Balances are mutated only
// through compare-and-swap updates paired with append-only transaction rows,
// so concurrent requests for one user serialize without table locks and the
// ledger always explains the balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelrelay/relay/internal"
)

// maxRetries bounds the CAS retry loop. Contention on a single user's
// balance is rare; five attempts is already generous.
const maxRetries = 5

// Reasons recorded on ledger rows.
const (
	ReasonDebit     = "usage"
	ReasonCancelled = "usage_cancelled"
	ReasonTopUp     = "top_up"
	ReasonRefund    = "refund"
)

// Store is the persistence surface the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	ApplyCredit(ctx context.Context, userID string, oldBalance, newBalance float64, txn *gateway.CreditTransaction) error
}

// Ledger mediates all credit mutations.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a Ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Reserve checks that a user can afford an estimated cost before any upstream
// call is made. It writes nothing; the actual debit happens post-flight from
// observed usage. Trial users pass regardless of balance while the trial is
// active.
func (l *Ledger) Reserve(u *gateway.User, estimatedCost float64) error {
	if u.Blocked {
		return gateway.ErrKeyBlocked
	}
	if u.TrialActive {
		return nil
	}
	if u.Credits <= 0 || u.Credits < estimatedCost {
		return gateway.ErrInsufficientCredits
	}
	return nil
}

// DebitUsage charges a completed (or cancelled) request to the user. The
// amount is derived from observed token counts, never the estimate. The
// balance clamps at zero: a request that slipped past the pre-flight check
// can drain the account but not take it negative. Returns the balance after
// the debit.
func (l *Ledger) DebitUsage(ctx context.Context, userID string, costUSD float64, model string, promptTokens, completionTokens int, reason string) (float64, error) {
	if costUSD < 0 {
		return 0, fmt.Errorf("negative debit %v: %w", costUSD, gateway.ErrBadRequest)
	}
	return l.apply(ctx, userID, -costUSD, func(txn *gateway.CreditTransaction) {
		txn.Model = model
		txn.PromptTokens = promptTokens
		txn.CompletionTokens = completionTokens
		txn.Reason = reason
	})
}

// Credit adds funds to a user's balance (admin top-up, refund). Returns the
// balance after the credit.
func (l *Ledger) Credit(ctx context.Context, userID string, amountUSD float64, reason string) (float64, error) {
	if amountUSD <= 0 {
		return 0, fmt.Errorf("non-positive credit %v: %w", amountUSD, gateway.ErrBadRequest)
	}
	return l.apply(ctx, userID, amountUSD, func(txn *gateway.CreditTransaction) {
		txn.Reason = reason
	})
}

// apply runs the read/CAS loop for a balance delta. On conflict the balance
// is re-read and the update retried; the recorded delta reflects what was
// actually applied after clamping.
func (l *Ledger) apply(ctx context.Context, userID string, delta float64, fill func(*gateway.CreditTransaction)) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		u, err := l.store.GetUser(ctx, userID)
		if err != nil {
			return 0, err
		}

		newBalance := u.Credits + delta
		if newBalance < 0 {
			newBalance = 0
		}
		applied := newBalance - u.Credits
		if applied == 0 && delta != 0 {
			// Already at zero; nothing to record.
			return u.Credits, nil
		}

		txn := &gateway.CreditTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Timestamp: l.now(),
			DeltaUSD:  applied,
		}
		fill(txn)

		err = l.store.ApplyCredit(ctx, userID, u.Credits, newBalance, txn)
		if err == nil {
			return newBalance, nil
		}
		if !errors.Is(err, gateway.ErrConflict) {
			return 0, err
		}
		lastErr = err
		slog.Debug("credit CAS conflict, retrying", "user", userID, "attempt", attempt+1)
	}
	return 0, fmt.Errorf("credit update for %s did not converge: %w", userID, lastErr)
}
