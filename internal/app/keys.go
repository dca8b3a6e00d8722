package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"windowgate/internal/identity"
	"windowgate/internal/logging"
	"windowgate/internal/plan"
	"windowgate/internal/storage"
)

// CreateKey generates a credential, stores only its hash and returns the raw
// value once.
func (a *App) CreateKey(ctx context.Context, opts KeyOptions) (string, error) {
	p, ok := plan.Parse(opts.Plan)
	if !ok {
		return "", fmt.Errorf("unknown plan %q", opts.Plan)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	credential := "wg_" + hex.EncodeToString(raw)

	store, err := a.openStore(ctx)
	if err != nil {
		return "", err
	}
	defer store.Close()

	rec := storage.KeyRecord{
		KeyHash:   identity.HashCredential(credential),
		Plan:      p,
		CreatedAt: time.Now().UTC(),
		Metadata:  opts.Metadata,
	}
	if opts.Override > 0 {
		override := opts.Override
		rec.RateLimitOverride = &override
	}
	if err := store.InsertKey(ctx, rec); err != nil {
		return "", err
	}

	a.Logger.Info().Str("key", logging.Fingerprint(rec.KeyHash)).Str("plan", string(p)).Msg("api key created")
	return credential, nil
}

// RevokeKey revokes a raw credential.
func (a *App) RevokeKey(ctx context.Context, credential string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	hash := identity.HashCredential(credential)
	if err := store.RevokeKey(ctx, hash, time.Now().UTC()); err != nil {
		return err
	}
	a.Logger.Info().Str("key", logging.Fingerprint(hash)).Msg("api key revoked")
	return nil
}
