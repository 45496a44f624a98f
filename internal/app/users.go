package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

// TopUpper applies admin credit grants.
type TopUpper interface {
	Credit(ctx context.Context, userID string, amountUSD float64, reason string) (float64, error)
}

// UserManager handles user and API key lifecycle plus admin mutations.
type UserManager struct {
	store  storage.UserStore
	topup  TopUpper
	bust   func(userID string) // auth cache invalidation
}

// NewUserManager returns a UserManager. bust may be nil.
func NewUserManager(store storage.UserStore, topup TopUpper, bust func(userID string)) *UserManager {
	if bust == nil {
		bust = func(string) {}
	}
	return &UserManager{store: store, topup: topup, bust: bust}
}

// CreateUserOpts holds fields for user creation.
type CreateUserOpts struct {
	Tier           string
	InitialCredits float64
	TrialActive    bool
}

// CreateUser generates a fresh API key, stores the user with the key's hash,
// and returns the plaintext key (shown once) along with the record.
func (m *UserManager) CreateUser(ctx context.Context, opts CreateUserOpts) (string, *gateway.User, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	tier := opts.Tier
	if tier == "" {
		tier = gateway.TierBasic
	}

	u := &gateway.User{
		ID:          uuid.Must(uuid.NewV7()).String(),
		KeyHash:     gateway.HashKey(plaintext),
		KeyID:       uuid.Must(uuid.NewV7()).String(),
		Credits:     opts.InitialCredits,
		Tier:        tier,
		TrialActive: opts.TrialActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return "", nil, err
	}
	return plaintext, u, nil
}

// AddCredits grants credits to a user and returns the new balance. The auth
// cache is invalidated so the next request sees the balance immediately.
func (m *UserManager) AddCredits(ctx context.Context, userID string, amountUSD float64, reason string) (float64, error) {
	balance, err := m.topup.Credit(ctx, userID, amountUSD, reason)
	if err != nil {
		return 0, err
	}
	m.bust(userID)
	return balance, nil
}

// SetBlocked blocks or unblocks a user.
func (m *UserManager) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	if err := m.store.SetUserBlocked(ctx, userID, blocked); err != nil {
		return err
	}
	m.bust(userID)
	return nil
}

// SetTier changes a user's tier.
func (m *UserManager) SetTier(ctx context.Context, userID, tier string) error {
	if err := m.store.SetUserTier(ctx, userID, tier); err != nil {
		return err
	}
	m.bust(userID)
	return nil
}

// GetUser returns the current user record.
func (m *UserManager) GetUser(ctx context.Context, userID string) (*gateway.User, error) {
	return m.store.GetUser(ctx, userID)
}
