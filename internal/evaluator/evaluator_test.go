package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windowgate/internal/alerting"
	"windowgate/internal/alerts"
	"windowgate/internal/clock"
	"windowgate/internal/marketdata"
)

var t0 = time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu           sync.Mutex
	liquidations []marketdata.Liquidation
	funding      []marketdata.FundingRate
	whales       int
	err          error
}

func (f *fakeSource) RecentLiquidations(context.Context, int) ([]marketdata.Liquidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liquidations, f.err
}

func (f *fakeSource) FundingRates(context.Context) ([]marketdata.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funding, f.err
}

func (f *fakeSource) WhaleAddressCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.whales == 0 {
		return 0, marketdata.ErrNoData
	}
	return f.whales, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return r.err
}

func liqAlert(t *testing.T, threshold float64, window int, symbol string) alerts.Alert {
	t.Helper()
	rule, err := alerts.Definition{Type: alerts.LiquidationSpike, Threshold: threshold, WindowMinutes: window, Symbol: symbol}.Rule()
	require.NoError(t, err)
	return alerts.Alert{ID: "a_liq", Rule: rule}
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(src *fakeSource, n alerting.Notifier) (*Evaluator, *clock.Manual) {
	clk := clock.NewManual(t0)
	return New(src, n, Options{Clock: clk}, zerolog.Nop()), clk
}

func TestLiquidationInclusiveThreshold(t *testing.T) {
	src := &fakeSource{liquidations: []marketdata.Liquidation{
		{Symbol: "BTC", USDSize: usd("600000"), Time: t0.Add(-time.Minute)},
		{Symbol: "BTC", USDSize: usd("400000"), Time: t0.Add(-5 * time.Minute)},
	}}
	n := &recordingNotifier{}
	ev, _ := setup(src, n)

	res := ev.Evaluate(context.Background(), liqAlert(t, 1_000_000, 15, "BTC"), alerts.State{})
	assert.Equal(t, Triggered, res.Outcome)
	assert.True(t, res.Value.Equal(usd("1000000")))
	require.Len(t, n.notes, 1)
	assert.Equal(t, "a_liq", n.notes[0].AlertID)
	assert.Contains(t, n.notes[0].Text, "BTC")
	require.NotNil(t, res.State.LastTriggerAt)
	assert.Equal(t, t0, *res.State.LastTriggerAt)
}

func TestLiquidationJustBelowThreshold(t *testing.T) {
	src := &fakeSource{liquidations: []marketdata.Liquidation{
		{Symbol: "BTC", USDSize: usd("599999.99"), Time: t0.Add(-time.Minute)},
		{Symbol: "BTC", USDSize: usd("400000"), Time: t0.Add(-2 * time.Minute)},
	}}
	n := &recordingNotifier{}
	ev, _ := setup(src, n)

	res := ev.Evaluate(context.Background(), liqAlert(t, 1_000_000, 15, "BTC"), alerts.State{})
	assert.Equal(t, NoChange, res.Outcome)
	assert.True(t, res.Value.Equal(usd("999999.99")))
	assert.Empty(t, n.notes)
	assert.False(t, res.Persist())
}

func TestLiquidationFiltersSymbolAndWindow(t *testing.T) {
	src := &fakeSource{liquidations: []marketdata.Liquidation{
		{Symbol: "ETH", USDSize: usd("5000000"), Time: t0},
		{Symbol: "BTC", USDSize: usd("5000000"), Time: t0.Add(-16 * time.Minute)},
		{Symbol: "BTC", USDSize: usd("5000000")},
		{Symbol: "btc", USDSize: usd("10"), Time: t0.Add(-time.Minute)},
	}}
	ev, _ := setup(src, &recordingNotifier{})

	res := ev.Evaluate(context.Background(), liqAlert(t, 100, 15, "BTC"), alerts.State{})
	assert.Equal(t, NoChange, res.Outcome)
	assert.True(t, res.Value.Equal(usd("10")))

	all := ev.Evaluate(context.Background(), liqAlert(t, 1_000_000, 15, ""), alerts.State{})
	assert.Equal(t, Triggered, all.Outcome, "no symbol filter sums every symbol in the window")
}

func TestLiquidationNoRowsIsNoChange(t *testing.T) {
	src := &fakeSource{liquidations: []marketdata.Liquidation{
		{Symbol: "BTC", USDSize: usd("1"), Time: time.Time{}},
	}}
	ev, _ := setup(src, &recordingNotifier{})

	prev := t0.Add(-time.Hour)
	state := alerts.State{LastTriggerAt: &prev}
	res := ev.Evaluate(context.Background(), liqAlert(t, 1, 15, "BTC"), state)
	assert.Equal(t, NoChange, res.Outcome)
	assert.Equal(t, state, res.State)
}

func TestCooldownUsesWindowMinutes(t *testing.T) {
	src := &fakeSource{}
	n := &recordingNotifier{}
	ev, clk := setup(src, n)
	alert := liqAlert(t, 100, 15, "BTC")

	qualify := func() {
		src.mu.Lock()
		src.liquidations = []marketdata.Liquidation{{Symbol: "BTC", USDSize: usd("1000"), Time: clk.Now()}}
		src.mu.Unlock()
	}

	qualify()
	res := ev.Evaluate(context.Background(), alert, alerts.State{})
	require.Equal(t, Triggered, res.Outcome)
	state := res.State

	clk.Advance(10 * time.Minute)
	qualify()
	res = ev.Evaluate(context.Background(), alert, state)
	assert.Equal(t, NoChange, res.Outcome, "T+10m is inside the cooldown")

	clk.Advance(6 * time.Minute)
	qualify()
	res = ev.Evaluate(context.Background(), alert, state)
	assert.Equal(t, Triggered, res.Outcome, "T+16m is past the cooldown")
	assert.Len(t, n.notes, 2)
}

func TestNotifierFailureStillAdvancesState(t *testing.T) {
	src := &fakeSource{liquidations: []marketdata.Liquidation{{Symbol: "BTC", USDSize: usd("500"), Time: t0}}}
	n := &recordingNotifier{err: errors.New("webhook down")}
	ev, _ := setup(src, n)

	res := ev.Evaluate(context.Background(), liqAlert(t, 100, 5, "BTC"), alerts.State{})
	assert.Equal(t, Triggered, res.Outcome)
	assert.NotNil(t, res.State.LastTriggerAt)
	assert.NoError(t, res.Reason)
}

func TestFundingMaxAbsoluteRate(t *testing.T) {
	src := &fakeSource{funding: []marketdata.FundingRate{
		{Symbol: "BTC", Rates: map[string]float64{"funding_rate": -0.0021, "annual_rate": 0.001}},
		{Symbol: "ETH", Rates: map[string]float64{"funding_rate": 0.0005}},
	}}
	n := &recordingNotifier{}
	ev, _ := setup(src, n)

	rule, err := alerts.Definition{Type: alerts.FundingExtreme, Threshold: 0.002, WindowMinutes: 60}.Rule()
	require.NoError(t, err)
	res := ev.Evaluate(context.Background(), alerts.Alert{ID: "a_f", Rule: rule}, alerts.State{})
	assert.Equal(t, Triggered, res.Outcome)
	assert.Equal(t, "0.0021", res.Value.String())
	require.Len(t, n.notes, 1)
	assert.Equal(t, "BTC", n.notes[0].Symbol)

	rule, _ = alerts.Definition{Type: alerts.FundingExtreme, Threshold: 0.002, WindowMinutes: 60, Symbol: "ETH"}.Rule()
	res = ev.Evaluate(context.Background(), alerts.Alert{ID: "a_e", Rule: rule}, alerts.State{})
	assert.Equal(t, NoChange, res.Outcome)

	rule, _ = alerts.Definition{Type: alerts.FundingExtreme, Threshold: 0.002, WindowMinutes: 60, Symbol: "DOGE"}.Rule()
	res = ev.Evaluate(context.Background(), alerts.Alert{ID: "a_d", Rule: rule}, alerts.State{})
	assert.Equal(t, NoChange, res.Outcome, "no symbol match is not an error")
}

func TestWhaleFirstEvaluationStoresBaseline(t *testing.T) {
	src := &fakeSource{whales: 120}
	n := &recordingNotifier{}
	ev, _ := setup(src, n)

	rule, err := alerts.Definition{Type: alerts.WhaleActivity, Threshold: 0, WindowMinutes: 5}.Rule()
	require.NoError(t, err)
	alert := alerts.Alert{ID: "a_w", Rule: rule}

	res := ev.Evaluate(context.Background(), alert, alerts.State{})
	assert.Equal(t, Updated, res.Outcome, "threshold 0 still cannot fire without history")
	require.NotNil(t, res.State.LastBaseline)
	assert.Equal(t, 120.0, *res.State.LastBaseline)
	assert.Nil(t, res.State.LastTriggerAt)
	assert.Empty(t, n.notes)
}

func TestWhaleDeltaAndBaselineUpdate(t *testing.T) {
	src := &fakeSource{whales: 120}
	n := &recordingNotifier{}
	ev, clk := setup(src, n)

	rule, _ := alerts.Definition{Type: alerts.WhaleActivity, Threshold: 10, WindowMinutes: 5}.Rule()
	alert := alerts.Alert{ID: "a_w", Rule: rule}
	state := ev.Evaluate(context.Background(), alert, alerts.State{}).State

	src.whales = 125
	res := ev.Evaluate(context.Background(), alert, state)
	assert.Equal(t, Updated, res.Outcome)
	assert.Equal(t, 125.0, *res.State.LastBaseline)
	state = res.State

	src.whales = 115
	res = ev.Evaluate(context.Background(), alert, state)
	assert.Equal(t, Triggered, res.Outcome, "|115-125| = 10 reaches the threshold")
	assert.Equal(t, 115.0, *res.State.LastBaseline)
	state = res.State

	clk.Advance(time.Minute)
	src.whales = 140
	res = ev.Evaluate(context.Background(), alert, state)
	assert.Equal(t, Updated, res.Outcome, "cooldown suppresses the trigger but the baseline moves")
	assert.Equal(t, 140.0, *res.State.LastBaseline)
	assert.Len(t, n.notes, 1)
}

func TestSourceFailureIsFailedAndUntouched(t *testing.T) {
	src := &fakeSource{err: errors.New("timeout")}
	ev, _ := setup(src, &recordingNotifier{})

	baseline := 7.0
	state := alerts.State{LastBaseline: &baseline}
	rule, _ := alerts.Definition{Type: alerts.WhaleActivity, Threshold: 1, WindowMinutes: 5}.Rule()
	res := ev.Evaluate(context.Background(), alerts.Alert{ID: "a_x", Rule: rule}, state)
	assert.Equal(t, Failed, res.Outcome)
	assert.Error(t, res.Reason)
	assert.Equal(t, state, res.State)
	assert.False(t, res.Persist())
}

func TestMissingRuleFails(t *testing.T) {
	ev, _ := setup(&fakeSource{}, nil)
	res := ev.Evaluate(context.Background(), alerts.Alert{ID: "a_nil"}, alerts.State{})
	assert.Equal(t, Failed, res.Outcome)
}
