package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"windowgate/internal/alerts"
	"windowgate/internal/plan"
)

// KeyRecord is a hashed API credential with its plan.
type KeyRecord struct {
	KeyHash           string
	Plan              plan.Plan
	CreatedAt         time.Time
	RevokedAt         *time.Time
	RateLimitOverride *int64
	Metadata          string
}

// Revoked reports whether the key has been revoked.
func (k KeyRecord) Revoked() bool {
	return k.RevokedAt != nil
}

// alertRow is the flat persisted form shared by both backends.
type alertRow struct {
	ID        string
	OwnerHash string
	Plan      string
	Config    string
	State     string
	CreatedAt time.Time
}

func encodeAlert(a alerts.Alert) (alertRow, error) {
	cfg, err := json.Marshal(alerts.DefinitionOf(a))
	if err != nil {
		return alertRow{}, fmt.Errorf("marshal alert config: %w", err)
	}
	return alertRow{
		ID:        a.ID,
		OwnerHash: a.OwnerHash,
		Plan:      string(a.Plan),
		Config:    string(cfg),
		State:     "{}",
		CreatedAt: a.CreatedAt.UTC(),
	}, nil
}

func encodeState(st alerts.State) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal alert state: %w", err)
	}
	return string(raw), nil
}

// decode never fails as a whole: an undecodable row comes back with Err set
// so a single bad row cannot hide the others from a snapshot.
func (r alertRow) decode() alerts.Record {
	p, _ := plan.Parse(r.Plan)
	rec := alerts.Record{
		Alert: alerts.Alert{
			ID:        r.ID,
			OwnerHash: r.OwnerHash,
			Plan:      p,
			CreatedAt: r.CreatedAt.UTC(),
		},
	}

	var def alerts.Definition
	if err := json.Unmarshal([]byte(r.Config), &def); err != nil {
		rec.Err = fmt.Errorf("decode alert %s config: %w", r.ID, err)
		return rec
	}
	rule, err := def.Rule()
	if err != nil {
		rec.Err = fmt.Errorf("decode alert %s rule: %w", r.ID, err)
		return rec
	}

	var st alerts.State
	if r.State != "" {
		if err := json.Unmarshal([]byte(r.State), &st); err != nil {
			rec.Err = fmt.Errorf("decode alert %s state: %w", r.ID, err)
			return rec
		}
	}

	rec.Alert.Rule = rule
	rec.Alert.Description = def.Description
	rec.State = st
	return rec
}
