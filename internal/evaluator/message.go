package evaluator

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"windowgate/internal/alerts"
)

var printer = message.NewPrinter(language.English)

func liquidationMessage(rule alerts.LiquidationSpikeRule, sum decimal.Decimal, rows int) string {
	return printer.Sprintf("Liquidation spike on %s: $%.0f liquidated across %d prints in the last %s (threshold $%.0f).",
		symbolLabel(rule.Symbol), sum.InexactFloat64(), rows, windowLabel(rule.Window()), rule.Threshold.InexactFloat64())
}

func fundingMessage(rule alerts.FundingExtremeRule, symbol, field string, value, abs float64) string {
	return printer.Sprintf("Funding extreme on %s: %s = %.6f (|rate| %.6f, threshold %.6f).",
		symbolLabel(symbol), field, value, abs, rule.Threshold)
}

func whaleMessage(rule alerts.WhaleActivityRule, previous, current, delta float64) string {
	return printer.Sprintf("Whale activity: tracked addresses moved from %.0f to %.0f (change %.0f, threshold %.0f).",
		previous, current, delta, rule.Threshold)
}

func symbolLabel(symbol string) string {
	if symbol == "" {
		return "all symbols"
	}
	return symbol
}

func windowLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return printer.Sprintf("%dh", int(d/time.Hour))
	}
	return printer.Sprintf("%dm", int(d/time.Minute))
}
