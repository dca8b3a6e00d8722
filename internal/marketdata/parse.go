package marketdata

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseLiquidation reads symbol, usd_size (or size) and one of datetime,
// order_trade_time (epoch ms) or timestamp.
func parseLiquidation(row map[string]any) (Liquidation, bool) {
	size, ok := toDecimal(row["usd_size"])
	if !ok {
		size, ok = toDecimal(row["size"])
	}
	if !ok {
		return Liquidation{}, false
	}

	return Liquidation{
		Symbol:  symbolOf(row),
		USDSize: size.Abs(),
		Time:    rowTime(row),
	}, true
}

func rowTime(row map[string]any) time.Time {
	if s, ok := row["datetime"].(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	if ms, ok := toFloat(row["order_trade_time"]); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	if ts, ok := toFloat(row["timestamp"]); ok && ts > 0 {
		if ts > 1e12 {
			return time.UnixMilli(int64(ts)).UTC()
		}
		return time.Unix(int64(ts), 0).UTC()
	}
	return time.Time{}
}

// parseFunding keeps every numeric column whose name mentions "fund" or
// "rate".
func parseFunding(row map[string]any) (FundingRate, bool) {
	fr := FundingRate{Symbol: symbolOf(row), Rates: map[string]float64{}}
	for key, raw := range row {
		lower := strings.ToLower(key)
		if lower == "symbol" || !(strings.Contains(lower, "fund") || strings.Contains(lower, "rate")) {
			continue
		}
		if v, ok := toFloat(raw); ok {
			fr.Rates[key] = v
		}
	}
	return fr, len(fr.Rates) > 0
}

func countDistinctAddresses(rows []any) int {
	seen := make(map[string]struct{}, len(rows))
	for _, raw := range rows {
		var addr string
		switch v := raw.(type) {
		case string:
			addr = v
		case map[string]any:
			for _, key := range []string{"address", "wallet", "user"} {
				if s, ok := v[key].(string); ok {
					addr = s
					break
				}
			}
		}
		if key := normalizeAddress(addr); key != "" {
			seen[key] = struct{}{}
		}
	}
	return len(seen)
}

func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return strings.ToLower(s)
}

func symbolOf(row map[string]any) string {
	for _, key := range []string{"symbol", "coin", "asset"} {
		if s, ok := row[key].(string); ok && s != "" {
			return strings.ToUpper(strings.TrimSpace(s))
		}
	}
	return ""
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	default:
		return decimal.Decimal{}, false
	}
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
