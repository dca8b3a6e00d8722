package alerts

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windowgate/internal/clock"
	"windowgate/internal/plan"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

func newMemStore() *memStore { return &memStore{rows: map[string]Record{}} }

func (s *memStore) CreateAlert(_ context.Context, a Alert, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Alert.OwnerHash == a.OwnerHash {
			n++
		}
	}
	if n >= limit {
		return ErrQuotaExceeded
	}
	s.rows[a.ID] = Record{Alert: a}
	return nil
}

func (s *memStore) ListAlertsByOwner(_ context.Context, owner string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.rows {
		if r.Alert.OwnerHash == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) GetAlert(_ context.Context, owner, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Alert.OwnerHash != owner {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) DeleteAlert(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Alert.OwnerHash != owner {
		return ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func TestDefinitionRuleVariants(t *testing.T) {
	r, err := Definition{Type: LiquidationSpike, Threshold: 1_000_000, WindowMinutes: 15, Symbol: " btc "}.Rule()
	require.NoError(t, err)
	liq, ok := r.(LiquidationSpikeRule)
	require.True(t, ok)
	assert.Equal(t, "1000000", liq.Threshold.String())
	assert.Equal(t, "BTC", liq.Symbol)
	assert.Equal(t, 15*time.Minute, liq.Window())

	r, err = Definition{Type: WhaleActivity, Threshold: 5, WindowMinutes: 1, Symbol: "ETH"}.Rule()
	require.NoError(t, err)
	assert.Equal(t, WhaleActivity, r.Type())
	assert.Empty(t, r.SymbolFilter(), "whale rules carry no symbol")

	r, err = Definition{Type: FundingExtreme, Threshold: 0.001, WindowMinutes: 60}.Rule()
	require.NoError(t, err)
	assert.Equal(t, 0.001, r.ThresholdValue())
}

func TestDefinitionRejectsInvalid(t *testing.T) {
	cases := []Definition{
		{Type: LiquidationSpike, Threshold: 1, WindowMinutes: 0},
		{Type: FundingExtreme, Threshold: -1, WindowMinutes: 5},
		{Type: "price_cross", Threshold: 1, WindowMinutes: 5},
	}
	for _, d := range cases {
		_, err := d.Rule()
		assert.ErrorIs(t, err, ErrInvalid, "%+v", d)
	}
}

func TestDefinitionOfRoundTrip(t *testing.T) {
	def := Definition{Type: FundingExtreme, Threshold: 0.05, WindowMinutes: 30, Symbol: "SOL", Description: "sol funding"}
	rule, err := def.Rule()
	require.NoError(t, err)
	got := DefinitionOf(Alert{Rule: rule, Description: def.Description})
	assert.Equal(t, def, got)
}

func TestNewIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^a_[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestManagerQuotaGate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewManager(store, plan.DefaultTable(), clock.NewManual(time.Unix(1_700_000_000, 0)), zerolog.Nop())
	def := Definition{Type: WhaleActivity, Threshold: 3, WindowMinutes: 10}

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "owner", plan.Free, def)
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, "owner", plan.Free, def)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	// another owner is unaffected
	_, err = m.Create(ctx, "other", plan.Free, def)
	require.NoError(t, err)

	list, err := m.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, m.Delete(ctx, "owner", list[0].Alert.ID))
	_, err = m.Create(ctx, "owner", plan.Free, def)
	assert.NoError(t, err, "deleting frees a slot")

	assert.ErrorIs(t, m.Delete(ctx, "other", list[1].Alert.ID), ErrNotFound)
}

func TestManagerRejectsInvalidBeforeStore(t *testing.T) {
	m := NewManager(newMemStore(), plan.DefaultTable(), nil, zerolog.Nop())
	_, err := m.Create(context.Background(), "owner", plan.Pro, Definition{Type: LiquidationSpike, WindowMinutes: 0})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestManagerListSkipsUndecodable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewManager(store, plan.DefaultTable(), nil, zerolog.Nop())

	a, err := m.Create(ctx, "owner", plan.Pro, Definition{Type: WhaleActivity, Threshold: 3, WindowMinutes: 10})
	require.NoError(t, err)
	store.rows["a_bad"] = Record{Alert: Alert{ID: "a_bad", OwnerHash: "owner"}, Err: errors.New("bad state")}

	list, err := m.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].Alert.ID)
}
