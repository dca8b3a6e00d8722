package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"windowgate/internal/alerts"
	"windowgate/internal/marketdata"
)

type liquidationAggregator struct {
	fetchLimit int
}

func (a liquidationAggregator) Measure(ctx context.Context, src marketdata.Source, alert alerts.Alert, _ alerts.State, now time.Time) (Measurement, error) {
	rule, ok := alert.Rule.(alerts.LiquidationSpikeRule)
	if !ok {
		return Measurement{}, fmt.Errorf("liquidation aggregator got %T", alert.Rule)
	}

	rows, err := src.RecentLiquidations(ctx, a.fetchLimit)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch liquidations: %w", err)
	}

	cutoff := now.Add(-rule.Window())
	sum := decimal.Zero
	matched := 0
	for _, row := range rows {
		if rule.Symbol != "" && !strings.EqualFold(row.Symbol, rule.Symbol) {
			continue
		}
		if row.Time.IsZero() || row.Time.Before(cutoff) {
			continue
		}
		sum = sum.Add(row.USDSize)
		matched++
	}
	if matched == 0 {
		return Measurement{}, marketdata.ErrNoData
	}

	return Measurement{
		Value:    sum,
		Breached: sum.GreaterThanOrEqual(rule.Threshold),
		Symbol:   rule.Symbol,
		Message:  liquidationMessage(rule, sum, matched),
	}, nil
}

type fundingAggregator struct{}

func (fundingAggregator) Measure(ctx context.Context, src marketdata.Source, alert alerts.Alert, _ alerts.State, _ time.Time) (Measurement, error) {
	rule, ok := alert.Rule.(alerts.FundingExtremeRule)
	if !ok {
		return Measurement{}, fmt.Errorf("funding aggregator got %T", alert.Rule)
	}

	rows, err := src.FundingRates(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch funding: %w", err)
	}

	var (
		maxAbs   = -1.0
		atSymbol string
		atField  string
		atValue  float64
	)
	for _, row := range rows {
		if rule.Symbol != "" && !strings.EqualFold(row.Symbol, rule.Symbol) {
			continue
		}
		// stable field order keeps ties deterministic
		fields := make([]string, 0, len(row.Rates))
		for field := range row.Rates {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			v := row.Rates[field]
			if abs := math.Abs(v); abs > maxAbs {
				maxAbs, atSymbol, atField, atValue = abs, row.Symbol, field, v
			}
		}
	}
	if maxAbs < 0 {
		return Measurement{}, marketdata.ErrNoData
	}

	return Measurement{
		Value:    decimal.NewFromFloat(maxAbs),
		Breached: maxAbs >= rule.Threshold,
		Symbol:   atSymbol,
		Message:  fundingMessage(rule, atSymbol, atField, atValue, maxAbs),
	}, nil
}

type whaleAggregator struct{}

// Measure stores the first observation as baseline without firing; later
// observations fire on an absolute change of at least the threshold.
func (whaleAggregator) Measure(ctx context.Context, src marketdata.Source, alert alerts.Alert, state alerts.State, _ time.Time) (Measurement, error) {
	rule, ok := alert.Rule.(alerts.WhaleActivityRule)
	if !ok {
		return Measurement{}, fmt.Errorf("whale aggregator got %T", alert.Rule)
	}

	count, err := src.WhaleAddressCount(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch whale addresses: %w", err)
	}
	current := float64(count)

	m := Measurement{Value: decimal.NewFromInt(int64(count)), Baseline: &current}
	if state.LastBaseline == nil {
		return m, nil
	}

	previous := *state.LastBaseline
	delta := math.Abs(current - previous)
	m.Breached = delta >= rule.Threshold
	m.Message = whaleMessage(rule, previous, current, delta)
	return m, nil
}

var (
	_ Aggregator = liquidationAggregator{}
	_ Aggregator = fundingAggregator{}
	_ Aggregator = whaleAggregator{}
)
