package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoData means the source answered but had nothing usable.
var ErrNoData = errors.New("marketdata: no data")

// Liquidation is one liquidation print. Time is zero when the row carried no
// parseable timestamp.
type Liquidation struct {
	Symbol  string
	USDSize decimal.Decimal
	Time    time.Time
}

// FundingRate holds every rate-like numeric column of one funding row.
type FundingRate struct {
	Symbol string
	Rates  map[string]float64
}

// Source is the market-data collaborator used by the alert evaluator. All
// three queries are best effort and may return empty slices.
type Source interface {
	RecentLiquidations(ctx context.Context, limit int) ([]Liquidation, error)
	FundingRates(ctx context.Context) ([]FundingRate, error)
	WhaleAddressCount(ctx context.Context) (int, error)
}
