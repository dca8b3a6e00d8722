// Package evaluator computes windowed aggregates for registered alerts and
// decides whether they fire.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"windowgate/internal/alerting"
	"windowgate/internal/alerts"
	"windowgate/internal/clock"
	"windowgate/internal/marketdata"
	"windowgate/internal/metrics"
)

// Outcome classifies one evaluation.
type Outcome int

const (
	// NoChange leaves the stored state untouched.
	NoChange Outcome = iota
	// Updated carries a new state without a trigger (baseline moved).
	Updated
	// Triggered means the notifier was called and LastTriggerAt advanced.
	Triggered
	// Failed means the aggregate could not be computed; state is untouched.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoChange:
		return "no_change"
	case Updated:
		return "updated"
	case Triggered:
		return "triggered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the typed outcome of Evaluate.
type Result struct {
	Outcome Outcome
	State   alerts.State
	Value   decimal.Decimal
	Message string
	Reason  error
}

// Persist reports whether State should be written back.
func (r Result) Persist() bool {
	return r.Outcome == Updated || r.Outcome == Triggered
}

// Measurement is what an Aggregator observed for one alert.
type Measurement struct {
	Value    decimal.Decimal
	Breached bool
	// Baseline, when set, replaces the stored baseline.
	Baseline *float64
	Symbol   string
	Message  string
}

// Aggregator computes one rule variant's aggregate. Returning
// marketdata.ErrNoData means nothing usable was in the window.
type Aggregator interface {
	Measure(ctx context.Context, src marketdata.Source, alert alerts.Alert, state alerts.State, now time.Time) (Measurement, error)
}

// Options configure an Evaluator.
type Options struct {
	Clock                 clock.Clock
	Metrics               *metrics.Metrics
	NotifyTimeout         time.Duration
	LiquidationFetchLimit int
}

// Evaluator applies rules, cooldown and notification.
type Evaluator struct {
	source        marketdata.Source
	notifier      alerting.Notifier
	clock         clock.Clock
	metrics       *metrics.Metrics
	notifyTimeout time.Duration
	aggregators   map[alerts.Type]Aggregator
	logger        zerolog.Logger
}

// New builds an Evaluator with the three built-in aggregators.
func New(src marketdata.Source, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Evaluator {
	if notifier == nil {
		notifier = alerting.Nop{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	timeout := opts.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := opts.LiquidationFetchLimit
	if limit <= 0 {
		limit = 50000
	}

	return &Evaluator{
		source:        src,
		notifier:      notifier,
		clock:         clk,
		metrics:       opts.Metrics,
		notifyTimeout: timeout,
		aggregators: map[alerts.Type]Aggregator{
			alerts.LiquidationSpike: liquidationAggregator{fetchLimit: limit},
			alerts.FundingExtreme:   fundingAggregator{},
			alerts.WhaleActivity:    whaleAggregator{},
		},
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate runs one evaluation of alert against its current state. It never
// panics on bad data and never returns an error; failures are reported in
// the Result.
func (e *Evaluator) Evaluate(ctx context.Context, alert alerts.Alert, state alerts.State) Result {
	if alert.Rule == nil {
		return Result{Outcome: Failed, State: state, Reason: errors.New("alert has no rule")}
	}
	agg, ok := e.aggregators[alert.Rule.Type()]
	if !ok {
		return Result{Outcome: Failed, State: state, Reason: fmt.Errorf("no aggregator for %s", alert.Rule.Type())}
	}

	now := e.clock.Now()
	m, err := agg.Measure(ctx, e.source, alert, state, now)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoData) {
			return Result{Outcome: NoChange, State: state}
		}
		return Result{Outcome: Failed, State: state, Reason: err}
	}

	next := state
	changed := false
	if m.Baseline != nil && (state.LastBaseline == nil || *state.LastBaseline != *m.Baseline) {
		baseline := *m.Baseline
		next.LastBaseline = &baseline
		changed = true
	}

	if !m.Breached || coolingDown(state, alert.Rule.Window(), now) {
		outcome := NoChange
		if changed {
			outcome = Updated
		}
		return Result{Outcome: outcome, State: next, Value: m.Value}
	}

	e.notify(ctx, alert, m, now)

	triggeredAt := now
	next.LastTriggerAt = &triggeredAt
	return Result{Outcome: Triggered, State: next, Value: m.Value, Message: m.Message}
}

// notify delivers the trigger. Delivery errors are logged and dropped so the
// cooldown still applies when the channel is down.
func (e *Evaluator) notify(ctx context.Context, alert alerts.Alert, m Measurement, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()

	note := alerting.Notification{
		AlertID:     alert.ID,
		Type:        string(alert.Rule.Type()),
		Symbol:      m.Symbol,
		Value:       m.Value,
		Threshold:   decimal.NewFromFloat(alert.Rule.ThresholdValue()),
		Window:      alert.Rule.Window(),
		TriggeredAt: now,
		Text:        m.Message,
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.metrics.ObserveNotifyFailure(note.Type)
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("notification failed; cooldown still applied")
	}
}

// coolingDown reports whether a previous trigger is younger than window. The
// rule window is both the lookback and the cooldown.
func coolingDown(state alerts.State, window time.Duration, now time.Time) bool {
	if state.LastTriggerAt == nil {
		return false
	}
	return now.Sub(*state.LastTriggerAt) < window
}
