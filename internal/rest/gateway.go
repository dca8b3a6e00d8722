package rest

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"windowgate/internal/admission"
	"windowgate/internal/logging"
	"windowgate/internal/metrics"
	"windowgate/internal/plan"
)

// GatewayController meters upstream access per credential.
type GatewayController struct {
	admission *admission.Controller
	plans     plan.Table
	metrics   *metrics.Metrics
	proxy     *httputil.ReverseProxy
	mode      string
	logger    zerolog.Logger
}

// GatewayOptions configure the gateway.
type GatewayOptions struct {
	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	// Mode is reported by /whoami ("keystore" or "static").
	Mode    string
	Metrics *metrics.Metrics
}

// NewGatewayController builds the controller. An empty upstream disables /files.
func NewGatewayController(ctrl *admission.Controller, plans plan.Table, opts GatewayOptions, logger zerolog.Logger) (*GatewayController, error) {
	g := &GatewayController{
		admission: ctrl,
		plans:     plans,
		metrics:   opts.Metrics,
		mode:      opts.Mode,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
	if opts.UpstreamBaseURL == "" {
		return g, nil
	}

	upstream, err := url.Parse(opts.UpstreamBaseURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(upstream)
			r.Out.Header.Del("X-API-Key")
			r.Out.Header.Del("Authorization")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
		},
	}
	return g, nil
}

// RegisterGatewayRoutes mounts the metered routes behind auth.
func (g *GatewayController) RegisterGatewayRoutes(rg *gin.RouterGroup) {
	rg.GET("/quota", g.handleQuota)
	rg.GET("/whoami", g.handleWhoami)
	rg.GET("/files/*name", g.handleFiles)
}

func (g *GatewayController) handleQuota(c *gin.Context) {
	id := identityFrom(c)
	limit := g.plans.Limit(id.Plan, id.Override)
	d := g.admission.Peek(c.Request.Context(), id.KeyHash, limit, 0)

	c.JSON(http.StatusOK, gin.H{
		"plan":             id.Plan,
		"used":             limit - d.Remaining,
		"limit":            limit,
		"remaining":        d.Remaining,
		"window_seconds":   int64(g.admission.DefaultWindow().Seconds()),
		"reset_in_seconds": d.ResetInSeconds(),
		"backend":          d.Backend,
	})
}

func (g *GatewayController) handleWhoami(c *gin.Context) {
	id := identityFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"plan":            id.Plan,
		"limit":           g.plans.Limit(id.Plan, id.Override),
		"window_seconds":  int64(g.admission.DefaultWindow().Seconds()),
		"key_fingerprint": logging.Fingerprint(id.KeyHash),
		"mode":            g.mode,
	})
}

func (g *GatewayController) handleFiles(c *gin.Context) {
	if g.proxy == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream not configured"})
		return
	}

	id := identityFrom(c)
	limit := g.plans.Limit(id.Plan, id.Override)
	d := g.admission.Check(c.Request.Context(), id.KeyHash, limit, 0)
	g.metrics.ObserveGatewayRequest(string(id.Plan), d.Allowed)

	h := c.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetInSeconds(), 10))

	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(max(d.ResetInSeconds(), 1), 10))
		g.logger.Debug().Str("key", logging.Fingerprint(id.KeyHash)).Str("plan", string(id.Plan)).Msg("rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":            "rate limit exceeded for plan " + string(id.Plan),
			"reset_in_seconds": d.ResetInSeconds(),
		})
		return
	}

	g.proxy.ServeHTTP(proxyWriter{c.Writer}, c.Request)
}

// proxyWriter hides gin's CloseNotify from the reverse proxy, which would
// otherwise assert it on whatever writer sits underneath. Flush still reaches
// the original writer through Unwrap.
type proxyWriter struct {
	http.ResponseWriter
}

func (w proxyWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
