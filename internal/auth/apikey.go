// Package auth implements API key authentication for the Relay gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "rly_" prefix.
// Resolved users are cached in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store        storage.UserStore
	cache        *otter.Cache[string, *gateway.User]
	userIDToHash sync.Map // user ID -> key hash, for cache invalidation
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.UserStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.User]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.User](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the authenticated user. Only
// keys with the "rly_" prefix are handled; all others return ErrUnauthorized.
//
// The cached user is a point-in-time snapshot: the balance on it can be up
// to cacheTTL stale, which the pre-flight reservation tolerates because the
// post-flight debit always re-reads.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.User, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if u, ok := a.cache.GetIfPresent(hash); ok {
		if u.Blocked {
			return nil, gateway.ErrKeyBlocked
		}
		return u, nil
	}

	u, err := a.store.GetUserByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Constant-time recheck of the hash the lookup matched on.
	if subtle.ConstantTimeCompare([]byte(u.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if u.Blocked {
		return nil, gateway.ErrKeyBlocked
	}

	a.cache.Set(hash, u)
	a.userIDToHash.Store(u.ID, hash)

	return u, nil
}

// Invalidate removes a cached user by ID. Called when admin operations
// (block, credit, tier change) modify a user.
func (a *APIKeyAuth) Invalidate(userID string) {
	if hash, ok := a.userIDToHash.LoadAndDelete(userID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
