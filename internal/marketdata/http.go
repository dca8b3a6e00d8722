package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOptions parameterise the HTTP market-data client.
type HTTPOptions struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	UserAgent        string
	LiquidationsPath string
	FundingPath      string
	WhalesPath       string
}

// HTTPSource reads JSON market data over HTTP.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPSource constructs the client.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.LiquidationsPath == "" {
		opts.LiquidationsPath = "/liquidations"
	}
	if opts.FundingPath == "" {
		opts.FundingPath = "/funding"
	}
	if opts.WhalesPath == "" {
		opts.WhalesPath = "/whales"
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "marketdata").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// RecentLiquidations fetches up to limit liquidation rows.
func (s *HTTPSource) RecentLiquidations(ctx context.Context, limit int) ([]Liquidation, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	rows, err := s.fetchRows(ctx, s.opts.LiquidationsPath, query)
	if err != nil {
		return nil, err
	}

	out := make([]Liquidation, 0, len(rows))
	skipped := 0
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		liq, ok := parseLiquidation(row)
		if !ok {
			skipped++
			continue
		}
		out = append(out, liq)
	}
	if skipped > 0 {
		s.logger.Debug().Int("skipped", skipped).Int("kept", len(out)).Msg("malformed liquidation rows dropped")
	}
	return out, nil
}

// FundingRates fetches the current funding table.
func (s *HTTPSource) FundingRates(ctx context.Context) ([]FundingRate, error) {
	rows, err := s.fetchRows(ctx, s.opts.FundingPath, nil)
	if err != nil {
		return nil, err
	}

	out := make([]FundingRate, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if fr, ok := parseFunding(row); ok {
			out = append(out, fr)
		}
	}
	return out, nil
}

// WhaleAddressCount returns the number of distinct tracked whale addresses.
func (s *HTTPSource) WhaleAddressCount(ctx context.Context) (int, error) {
	rows, err := s.fetchRows(ctx, s.opts.WhalesPath, nil)
	if err != nil {
		return 0, err
	}
	n := countDistinctAddresses(rows)
	if n == 0 {
		return 0, ErrNoData
	}
	return n, nil
}

func (s *HTTPSource) fetchRows(ctx context.Context, path string, query url.Values) ([]any, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("marketdata base url not configured")
	}

	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "windowgate/1.0")
	}
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	return decodeRows(payload)
}

// decodeRows accepts either a bare JSON array or an object wrapping the array
// under "data", "rows" or "items".
func decodeRows(payload []byte) ([]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode market data: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"data", "rows", "items"} {
			if rows, ok := v[key].([]any); ok {
				return rows, nil
			}
		}
		return nil, nil
	default:
		return nil, nil
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.Detail)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("market data api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("market data api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
