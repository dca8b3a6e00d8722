package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windowgate/internal/admission"
	"windowgate/internal/alerts"
	"windowgate/internal/config"
	"windowgate/internal/identity"
	"windowgate/internal/metrics"
	"windowgate/internal/plan"
	"windowgate/internal/storage"
	"windowgate/internal/windowstore"
)

func newTestRouter(t *testing.T, upstream string) *gin.Engine {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine, _ := NewServer(config.HTTPConfig{Addr: ":0"}, reg)

	static, err := identity.NewStatic([]string{"free-key:free", "tiny-key:pro:2", "other-key:free"})
	require.NoError(t, err)

	ctrl := admission.New(windowstore.NewLocal(), admission.Options{Metrics: m}, zerolog.Nop())
	gw, err := NewGatewayController(ctrl, plan.DefaultTable(), GatewayOptions{
		UpstreamBaseURL: upstream,
		Mode:            "static",
		Metrics:         m,
	}, zerolog.Nop())
	require.NoError(t, err)

	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "rest.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(t.Context()))
	mgr := alerts.NewManager(store, plan.DefaultTable(), nil, zerolog.Nop())

	api := engine.Group("/", Authenticate(static, zerolog.Nop()))
	gw.RegisterGatewayRoutes(api)
	NewAlertController(mgr, zerolog.Nop()).RegisterAlertRoutes(api)
	return engine
}

func do(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndAuth(t *testing.T) {
	r := newTestRouter(t, "")

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/whoami", "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/whoami", "nope", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer tiny-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pro", body["plan"])
	assert.Equal(t, float64(2), body["limit"], "per-key override wins over the plan limit")
	assert.Equal(t, "static", body["mode"])
	assert.Len(t, body["key_fingerprint"], 8)
}

func TestFilesAreMeteredAndProxied(t *testing.T) {
	var seenKey, seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("X-API-Key")
		seenPath = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte("symbol,usd\nBTC,1\n"))
	}))
	defer upstream.Close()

	r := newTestRouter(t, upstream.URL)

	first := do(t, r, http.MethodGet, "/files/liq/latest.csv?limit=10", "tiny-key", "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "symbol,usd\nBTC,1\n", first.Body.String())
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "/files/liq/latest.csv?limit=10", seenPath)
	assert.Empty(t, seenKey, "credentials are not forwarded upstream")

	second := do(t, r, http.MethodGet, "/files/liq/latest.csv", "tiny-key", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := do(t, r, http.MethodGet, "/files/liq/latest.csv", "tiny-key", "")
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	for i := 0; i < 3; i++ {
		q := do(t, r, http.MethodGet, "/quota", "tiny-key", "")
		require.Equal(t, http.StatusOK, q.Code)
		body := decode(t, q)
		assert.Equal(t, float64(0), body["remaining"], "quota reads never consume")
		assert.Equal(t, float64(2), body["used"])
	}

	other := do(t, r, http.MethodGet, "/files/liq/latest.csv", "free-key", "")
	assert.Equal(t, http.StatusOK, other.Code, "limits are tracked per credential")

	metricsBody := do(t, r, http.MethodGet, "/metrics", "", "").Body.String()
	assert.Contains(t, metricsBody, `windowgate_gateway_requests_total{outcome="denied",plan="pro"} 1`)
}

func TestFilesWithoutUpstream(t *testing.T) {
	r := newTestRouter(t, "")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodGet, "/files/x", "free-key", "").Code)
}

func TestAlertsAPI(t *testing.T) {
	r := newTestRouter(t, "")

	created := do(t, r, http.MethodPost, "/alerts", "free-key",
		`{"type":"liquidation_spike","threshold":1000000,"symbol":"btc","description":"longs"}`)
	require.Equal(t, http.StatusOK, created.Code, created.Body.String())
	body := decode(t, created)
	id, _ := body["id"].(string)
	assert.True(t, strings.HasPrefix(id, "a_"))
	assert.Equal(t, float64(15), body["window_minutes"], "window defaults to 15 minutes")
	assert.Equal(t, "BTC", body["symbol"])

	bad := do(t, r, http.MethodPost, "/alerts", "free-key", `{"type":"moon","threshold":1}`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	noThreshold := do(t, r, http.MethodPost, "/alerts", "free-key", `{"type":"whale_activity"}`)
	assert.Equal(t, http.StatusBadRequest, noThreshold.Code)

	for i := 0; i < 2; i++ {
		rec := do(t, r, http.MethodPost, "/alerts", "free-key", `{"type":"whale_activity","threshold":5,"window_minutes":5}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	over := do(t, r, http.MethodPost, "/alerts", "free-key", `{"type":"whale_activity","threshold":5}`)
	assert.Equal(t, http.StatusTooManyRequests, over.Code, "free plan holds three alerts")

	list := do(t, r, http.MethodGet, "/alerts", "free-key", "")
	require.Equal(t, http.StatusOK, list.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &items))
	assert.Len(t, items, 3)

	got := do(t, r, http.MethodGet, "/alerts/"+id, "free-key", "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, decode(t, got), "state")

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/alerts/"+id, "other-key", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/alerts/"+id, "other-key", "").Code)

	deleted := do(t, r, http.MethodDelete, "/alerts/"+id, "free-key", "")
	require.Equal(t, http.StatusOK, deleted.Code)
	assert.Equal(t, true, decode(t, deleted)["deleted"])
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/alerts/"+id, "free-key", "").Code)

	again := do(t, r, http.MethodPost, "/alerts", "free-key", `{"type":"funding_extreme","threshold":0.002}`)
	assert.Equal(t, http.StatusOK, again.Code, "deleting frees a quota slot")
}

func TestFilesOverRealServer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok-body"))
	}))
	defer upstream.Close()

	srv := httptest.NewServer(newTestRouter(t, upstream.URL))
	defer srv.Close()

	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/files/whales.json", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "tiny-key")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok-body", string(body))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))

	get()
	denied := get()
	assert.Equal(t, http.StatusTooManyRequests, denied.StatusCode)
	assert.NotEmpty(t, denied.Header.Get("Retry-After"))
}
