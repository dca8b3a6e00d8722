package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestSource(t *testing.T, handler http.HandlerFunc) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSource(HTTPOptions{BaseURL: srv.URL + "/", APIKey: "k", Timeout: time.Second}, noopLogger())
}

func TestRecentLiquidationsParsesMixedRows(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/liquidations" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "100" {
			t.Fatalf("limit 参数缺失: %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Fatalf("缺少 X-API-Key")
		}
		_, _ = w.Write([]byte(`{"data":[
			{"symbol":"btc","usd_size":"999999.99","datetime":"2025-01-02 03:04:05"},
			{"symbol":"ETH","size":1500.5,"order_trade_time":1735787045000},
			{"symbol":"SOL","usd_size":"n/a"},
			{"symbol":"DOGE","usd_size":10}
		]}`))
	})

	rows, err := src.RecentLiquidations(context.Background(), 100)
	if err != nil {
		t.Fatalf("解析不应报错: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望 3 行有效数据, 实际 %d", len(rows))
	}
	if rows[0].Symbol != "BTC" || !rows[0].USDSize.Equal(decimal.RequireFromString("999999.99")) {
		t.Fatalf("第一行解析错误: %+v", rows[0])
	}
	if !rows[0].Time.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("datetime 解析错误: %s", rows[0].Time)
	}
	if !rows[1].Time.Equal(time.UnixMilli(1735787045000)) {
		t.Fatalf("order_trade_time 解析错误: %s", rows[1].Time)
	}
	if !rows[2].Time.IsZero() {
		t.Fatalf("无时间戳的行应返回零值时间")
	}
}

func TestFundingRatesKeepsRateColumns(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"BTC","funding_rate":"-0.0012","annual_rate":0.3,"open_interest":123456},
			{"symbol":"ETH","volume":5}
		]`))
	})

	rows, err := src.FundingRates(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("没有费率列的行应被丢弃, 实际 %d 行", len(rows))
	}
	if rows[0].Rates["funding_rate"] != -0.0012 || rows[0].Rates["annual_rate"] != 0.3 {
		t.Fatalf("费率列解析错误: %+v", rows[0].Rates)
	}
	if _, ok := rows[0].Rates["open_interest"]; ok {
		t.Fatalf("open_interest 不应被视为费率")
	}
}

func TestWhaleAddressCountDeduplicates(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			"0x52908400098527886E0F7030069857D2E4169EE7",
			"0x52908400098527886e0f7030069857d2e4169ee7",
			{"address":"0x8617E340B3D01FA5F11F306F4090FD50E238070D"},
			"not-an-address",
			""
		]`))
	})

	n, err := src.WhaleAddressCount(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if n != 3 {
		t.Fatalf("期望 3 个去重地址, 实际 %d", n)
	}
}

func TestWhaleAddressCountEmptyIsNoData(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	if _, err := src.WhaleAddressCount(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("空列表应返回 ErrNoData, 实际 %v", err)
	}
}

func TestHTTPErrorSurfaces(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	})
	if _, err := src.FundingRates(context.Background()); err == nil {
		t.Fatal("HTTP 401 应返回错误")
	}
}

func TestMissingBaseURL(t *testing.T) {
	src := NewHTTPSource(HTTPOptions{}, noopLogger())
	if _, err := src.RecentLiquidations(context.Background(), 10); err == nil {
		t.Fatal("未配置 base url 时应返回错误")
	}
}
