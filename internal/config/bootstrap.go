package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

// Bootstrap seeds users from the config file. Existing users (matched by key
// hash) are left untouched, so re-running on startup is idempotent.
func Bootstrap(ctx context.Context, cfg *Config, store storage.UserStore) error {
	for _, entry := range cfg.Users {
		hash := gateway.HashKey(entry.Key)

		if existing, err := store.GetUserByKeyHash(ctx, hash); err == nil && existing != nil {
			continue
		} else if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}

		tier := entry.Tier
		if tier == "" {
			tier = gateway.TierBasic
		}

		u := &gateway.User{
			ID:          uuid.Must(uuid.NewV7()).String(),
			KeyHash:     hash,
			KeyID:       uuid.Must(uuid.NewV7()).String(),
			Credits:     entry.Credits,
			Tier:        tier,
			TrialActive: entry.Trial,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateUser(ctx, u); err != nil {
			return err
		}
		slog.Info("bootstrapped user", "name", entry.Name, "tier", tier, "credits", entry.Credits)
	}
	return nil
}
