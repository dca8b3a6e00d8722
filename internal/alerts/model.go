// Package alerts defines registered market alerts, their evaluation state and
// the per-owner quota gate.
package alerts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"windowgate/internal/plan"
)

// Type names a rule variant.
type Type string

const (
	LiquidationSpike Type = "liquidation_spike"
	FundingExtreme   Type = "funding_extreme"
	WhaleActivity    Type = "whale_activity"
)

var (
	// ErrQuotaExceeded is returned when an owner already holds the plan's
	// maximum number of alerts.
	ErrQuotaExceeded = errors.New("alerts: quota exceeded")
	// ErrNotFound is returned for unknown or foreign alert ids.
	ErrNotFound = errors.New("alerts: not found")
	// ErrInvalid wraps definition validation failures.
	ErrInvalid = errors.New("alerts: invalid definition")
)

// Rule is the tagged union over alert kinds. Window doubles as the cooldown
// between two triggers.
type Rule interface {
	Type() Type
	Window() time.Duration
	ThresholdValue() float64
	SymbolFilter() string
}

// LiquidationSpikeRule fires when liquidated USD volume in the window reaches
// Threshold.
type LiquidationSpikeRule struct {
	Threshold     decimal.Decimal
	WindowMinutes int
	Symbol        string
}

func (r LiquidationSpikeRule) Type() Type              { return LiquidationSpike }
func (r LiquidationSpikeRule) Window() time.Duration   { return minutes(r.WindowMinutes) }
func (r LiquidationSpikeRule) ThresholdValue() float64 { return r.Threshold.InexactFloat64() }
func (r LiquidationSpikeRule) SymbolFilter() string    { return r.Symbol }

// FundingExtremeRule fires when the largest absolute funding rate reaches
// Threshold.
type FundingExtremeRule struct {
	Threshold     float64
	WindowMinutes int
	Symbol        string
}

func (r FundingExtremeRule) Type() Type              { return FundingExtreme }
func (r FundingExtremeRule) Window() time.Duration   { return minutes(r.WindowMinutes) }
func (r FundingExtremeRule) ThresholdValue() float64 { return r.Threshold }
func (r FundingExtremeRule) SymbolFilter() string    { return r.Symbol }

// WhaleActivityRule fires when the distinct whale address count moves by at
// least Threshold since the previous evaluation.
type WhaleActivityRule struct {
	Threshold     float64
	WindowMinutes int
}

func (r WhaleActivityRule) Type() Type              { return WhaleActivity }
func (r WhaleActivityRule) Window() time.Duration   { return minutes(r.WindowMinutes) }
func (r WhaleActivityRule) ThresholdValue() float64 { return r.Threshold }
func (r WhaleActivityRule) SymbolFilter() string    { return "" }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// Alert is an immutable registered rule owned by one credential hash.
type Alert struct {
	ID          string
	OwnerHash   string
	Plan        plan.Plan
	Rule        Rule
	Description string
	CreatedAt   time.Time
}

// State is the mutable evaluation state of one alert.
type State struct {
	LastTriggerAt *time.Time `json:"last_trigger_at,omitempty"`
	LastBaseline  *float64   `json:"last_baseline,omitempty"`
}

// Record pairs an alert with its current state.
type Record struct {
	Alert Alert
	State State
	// Err is set when the persisted row could not be decoded. Alert then
	// carries only its identifiers and Rule is nil.
	Err error
}

// Valid reports whether the record decoded cleanly.
func (r Record) Valid() bool {
	return r.Err == nil
}

// Definition is the wire and storage form of a rule.
type Definition struct {
	Type          Type    `json:"type"`
	Threshold     float64 `json:"threshold"`
	WindowMinutes int     `json:"window_minutes"`
	Symbol        string  `json:"symbol,omitempty"`
	Description   string  `json:"description,omitempty"`
}

// Rule validates the definition and builds the matching variant. Whale
// rules ignore Symbol.
func (d Definition) Rule() (Rule, error) {
	if d.WindowMinutes < 1 {
		return nil, fmt.Errorf("%w: window_minutes must be at least 1", ErrInvalid)
	}
	if d.Threshold < 0 {
		return nil, fmt.Errorf("%w: threshold cannot be negative", ErrInvalid)
	}
	symbol := strings.ToUpper(strings.TrimSpace(d.Symbol))

	switch d.Type {
	case LiquidationSpike:
		return LiquidationSpikeRule{
			Threshold:     decimal.NewFromFloat(d.Threshold),
			WindowMinutes: d.WindowMinutes,
			Symbol:        symbol,
		}, nil
	case FundingExtreme:
		return FundingExtremeRule{Threshold: d.Threshold, WindowMinutes: d.WindowMinutes, Symbol: symbol}, nil
	case WhaleActivity:
		return WhaleActivityRule{Threshold: d.Threshold, WindowMinutes: d.WindowMinutes}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, d.Type)
	}
}

// DefinitionOf flattens an alert back into its wire form.
func DefinitionOf(a Alert) Definition {
	d := Definition{Description: a.Description}
	switch r := a.Rule.(type) {
	case LiquidationSpikeRule:
		d.Type = LiquidationSpike
		d.Threshold = r.Threshold.InexactFloat64()
		d.WindowMinutes = r.WindowMinutes
		d.Symbol = r.Symbol
	case FundingExtremeRule:
		d.Type = FundingExtreme
		d.Threshold = r.Threshold
		d.WindowMinutes = r.WindowMinutes
		d.Symbol = r.Symbol
	case WhaleActivityRule:
		d.Type = WhaleActivity
		d.Threshold = r.Threshold
		d.WindowMinutes = r.WindowMinutes
	}
	return d
}
