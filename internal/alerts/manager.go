package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"windowgate/internal/clock"
	"windowgate/internal/logging"
	"windowgate/internal/plan"
)

// Store persists alerts. CreateAlert must count the owner's alerts and insert
// in one step that observes every prior committed write for that owner, and
// return ErrQuotaExceeded when the count already reaches maxForOwner.
type Store interface {
	CreateAlert(ctx context.Context, alert Alert, maxForOwner int) error
	ListAlertsByOwner(ctx context.Context, ownerHash string) ([]Record, error)
	GetAlert(ctx context.Context, ownerHash, id string) (Record, error)
	DeleteAlert(ctx context.Context, ownerHash, id string) error
}

// Manager is the owner-facing alert registry with the per-plan quota gate.
type Manager struct {
	store  Store
	plans  plan.Table
	clock  clock.Clock
	logger zerolog.Logger
}

// NewManager wires a Manager.
func NewManager(store Store, plans plan.Table, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:  store,
		plans:  plans,
		clock:  clk,
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

// Create validates def and registers a new alert for owner unless the plan
// quota is exhausted.
func (m *Manager) Create(ctx context.Context, ownerHash string, p plan.Plan, def Definition) (Alert, error) {
	rule, err := def.Rule()
	if err != nil {
		return Alert{}, err
	}

	alert := Alert{
		ID:          NewID(),
		OwnerHash:   ownerHash,
		Plan:        p,
		Rule:        rule,
		Description: strings.TrimSpace(def.Description),
		CreatedAt:   m.clock.Now(),
	}

	limit := m.plans.MaxAlerts(p)
	if err := m.store.CreateAlert(ctx, alert, limit); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			m.logger.Info().Str("owner", logging.Fingerprint(ownerHash)).Str("plan", string(p)).
				Int("max", limit).Msg("alert quota exceeded")
			return Alert{}, err
		}
		return Alert{}, fmt.Errorf("create alert: %w", err)
	}

	m.logger.Info().Str("alert_id", alert.ID).Str("type", string(rule.Type())).
		Str("owner", logging.Fingerprint(ownerHash)).Msg("alert created")
	return alert, nil
}

// List returns the owner's alerts. Rows that no longer decode are logged and
// left out.
func (m *Manager) List(ctx context.Context, ownerHash string) ([]Record, error) {
	records, err := m.store.ListAlertsByOwner(ctx, ownerHash)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if !rec.Valid() {
			m.logger.Warn().Err(rec.Err).Str("alert_id", rec.Alert.ID).Msg("skip undecodable alert")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns one of the owner's alerts with its state.
func (m *Manager) Get(ctx context.Context, ownerHash, id string) (Record, error) {
	return m.store.GetAlert(ctx, ownerHash, id)
}

// Delete removes the alert and its state.
func (m *Manager) Delete(ctx context.Context, ownerHash, id string) error {
	if err := m.store.DeleteAlert(ctx, ownerHash, id); err != nil {
		return err
	}
	m.logger.Info().Str("alert_id", id).Str("owner", logging.Fingerprint(ownerHash)).Msg("alert deleted")
	return nil
}

// NewID returns "a_" followed by 16 lowercase hex characters.
func NewID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "a_" + raw[:16]
}
