// Package admission decides whether a caller may proceed given a limit per
// trailing window.
package admission

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"windowgate/internal/clock"
	"windowgate/internal/logging"
	"windowgate/internal/metrics"
	"windowgate/internal/windowstore"
)

// DefaultWindow is used when a caller passes a non-positive window.
const DefaultWindow = 60 * time.Second

// Decision is the outcome of a check. Denial is a normal result, not an error.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetIn   time.Duration
	Backend   string
}

// ResetInSeconds rounds ResetIn up to whole seconds. It is advisory when the
// local backend served the decision.
func (d Decision) ResetInSeconds() int64 {
	if d.ResetIn <= 0 {
		return 0
	}
	return int64(math.Ceil(d.ResetIn.Seconds()))
}

// Options configure a Controller.
type Options struct {
	DefaultWindow time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Controller applies limits on top of a window store.
type Controller struct {
	store   windowstore.Store
	window  time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a Controller over store.
func New(store windowstore.Store, opts Options, logger zerolog.Logger) *Controller {
	window := opts.DefaultWindow
	if window <= 0 {
		window = DefaultWindow
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{
		store:   store,
		window:  window,
		clock:   clk,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "admission").Logger(),
	}
}

// DefaultWindow returns the window applied when callers pass zero.
func (c *Controller) DefaultWindow() time.Duration {
	return c.window
}

// Check records one request for key and decides whether it fits in limit.
// A rejected request is rolled back so it does not count against later
// windows.
func (c *Controller) Check(ctx context.Context, key string, limit int64, window time.Duration) Decision {
	if window <= 0 {
		window = c.window
	}
	now := c.clock.Now()

	if limit <= 0 {
		c.metrics.ObserveAdmission("none", false)
		return Decision{Allowed: false, Limit: 0, ResetIn: window}
	}

	entry, err := c.store.Record(ctx, key, now, window)
	if err != nil {
		// Failover never errors; a bare store might. Let the request through.
		c.logger.Error().Err(err).Str("key", logging.Fingerprint(key)).Msg("window store record failed; admitting")
		return Decision{Allowed: true, Remaining: limit - 1, Limit: limit, ResetIn: window}
	}

	d := Decision{
		Limit:   limit,
		ResetIn: resetIn(entry.ResetAt, now),
		Backend: entry.Backend,
	}
	if entry.Count > limit {
		if err := c.store.Rollback(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", logging.Fingerprint(key)).Msg("rollback of rejected request failed")
		}
		d.Allowed = false
		d.Remaining = 0
	} else {
		d.Allowed = true
		d.Remaining = limit - entry.Count
	}

	c.metrics.ObserveAdmission(entry.Backend, d.Allowed)
	return d
}

// Peek reports the decision the next Check would reach without consuming
// quota.
func (c *Controller) Peek(ctx context.Context, key string, limit int64, window time.Duration) Decision {
	if window <= 0 {
		window = c.window
	}
	now := c.clock.Now()

	if limit <= 0 {
		return Decision{Allowed: false, Limit: 0, ResetIn: window}
	}

	usage, err := c.store.Peek(ctx, key, now, window)
	if err != nil {
		c.logger.Error().Err(err).Str("key", logging.Fingerprint(key)).Msg("window store peek failed")
		return Decision{Allowed: true, Remaining: limit, Limit: limit, ResetIn: window}
	}

	remaining := limit - usage.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   usage.Count < limit,
		Remaining: remaining,
		Limit:     limit,
		ResetIn:   resetIn(usage.ResetAt, now),
		Backend:   usage.Backend,
	}
}

// Reset clears the key's window.
func (c *Controller) Reset(ctx context.Context, key string) error {
	return c.store.Reset(ctx, key)
}

func resetIn(resetAt, now time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
