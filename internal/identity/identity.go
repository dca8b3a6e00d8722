// Package identity turns a presented credential into a plan-bearing identity.
// Raw credentials never leave this package; callers key everything on the
// sha256 hash.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"windowgate/internal/plan"
	"windowgate/internal/storage"
)

// ErrNotFound is returned for unknown or revoked credentials.
var ErrNotFound = errors.New("identity: credential not found")

// Identity is the resolved caller.
type Identity struct {
	KeyHash  string
	Plan     plan.Plan
	Override *int64
}

// Resolver maps a credential to an identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// HashCredential returns the hex sha256 of the credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Static resolves credentials listed in configuration.
type Static struct {
	byHash map[string]Identity
}

// NewStatic parses "key:plan" or "key:plan:override" entries.
func NewStatic(entries []string) (*Static, error) {
	s := &Static{byHash: make(map[string]Identity, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid api key entry: want key:plan[:override]")
		}
		p, ok := plan.Parse(parts[1])
		if !ok {
			return nil, fmt.Errorf("api key entry has unknown plan %q", parts[1])
		}
		id := Identity{KeyHash: HashCredential(parts[0]), Plan: p}
		if len(parts) == 3 {
			override, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("api key entry override: %w", err)
			}
			if override <= 0 {
				return nil, fmt.Errorf("api key entry override must be positive, got %d", override)
			}
			id.Override = &override
		}
		s.byHash[id.KeyHash] = id
	}
	return s, nil
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrNotFound
	}
	id, ok := s.byHash[HashCredential(credential)]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return id, nil
}

// Len returns the number of static keys.
func (s *Static) Len() int {
	return len(s.byHash)
}

// Keystore resolves credentials against persisted hashed keys.
type Keystore struct {
	keys storage.KeyStore
}

// NewKeystore wires a keystore resolver.
func NewKeystore(keys storage.KeyStore) *Keystore {
	return &Keystore{keys: keys}
}

// Resolve implements Resolver. Revoked keys resolve as not found.
func (k *Keystore) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrNotFound
	}
	rec, err := k.keys.LookupKey(ctx, HashCredential(credential))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup key: %w", err)
	}
	if rec.Revoked() {
		return Identity{}, ErrNotFound
	}
	return Identity{KeyHash: rec.KeyHash, Plan: rec.Plan, Override: rec.RateLimitOverride}, nil
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, credential string) (Identity, error) {
	for _, r := range c {
		id, err := r.Resolve(ctx, credential)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrNotFound
}

var (
	_ Resolver = (*Static)(nil)
	_ Resolver = (*Keystore)(nil)
	_ Resolver = Chain(nil)
)
