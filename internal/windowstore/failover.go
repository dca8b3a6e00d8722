package windowstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"windowgate/internal/clock"
	"windowgate/internal/metrics"
)

// FailoverOptions tune outage handling.
type FailoverOptions struct {
	// RetryInterval is how long Redis is bypassed after a failure before it is
	// probed again.
	RetryInterval time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Failover serves from a primary store and falls back to Local on any
// primary error. Callers never see primary errors.
type Failover struct {
	primary Store
	local   *Local
	retry   time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	degraded  bool
	nextProbe time.Time
}

// NewFailover builds a failover store. A nil primary pins the store to Local.
func NewFailover(primary Store, local *Local, opts FailoverOptions, logger zerolog.Logger) *Failover {
	if local == nil {
		local = NewLocal()
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Failover{
		primary: primary,
		local:   local,
		retry:   retry,
		clock:   clk,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "windowstore").Logger(),
	}
}

// Local exposes the fallback store for sweeping.
func (f *Failover) Local() *Local {
	return f.local
}

// Degraded reports whether calls are currently served by Local.
func (f *Failover) Degraded() bool {
	if f.primary == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Record implements Store.
func (f *Failover) Record(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	if f.usePrimary() {
		entry, err := f.primary.Record(ctx, key, now, window)
		if err == nil {
			f.markHealthy()
			return entry, nil
		}
		f.markFailed("record", err)
	}
	return f.local.Record(ctx, key, now, window)
}

// Peek implements Store.
func (f *Failover) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	if f.usePrimary() {
		usage, err := f.primary.Peek(ctx, key, now, window)
		if err == nil {
			f.markHealthy()
			return usage, nil
		}
		f.markFailed("peek", err)
	}
	return f.local.Peek(ctx, key, now, window)
}

// Rollback routes to whichever backend recorded the entry.
func (f *Failover) Rollback(ctx context.Context, key string, e Entry) error {
	if e.Backend == BackendRedis && f.primary != nil {
		if err := f.primary.Rollback(ctx, key, e); err != nil {
			f.markFailed("rollback", err)
		}
		return nil
	}
	return f.local.Rollback(ctx, key, e)
}

// Reset clears the key on both backends.
func (f *Failover) Reset(ctx context.Context, key string) error {
	if f.primary != nil {
		if err := f.primary.Reset(ctx, key); err != nil {
			f.markFailed("reset", err)
		}
	}
	return f.local.Reset(ctx, key)
}

func (f *Failover) usePrimary() bool {
	if f.primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		return true
	}
	return !f.clock.Now().Before(f.nextProbe)
}

func (f *Failover) markFailed(op string, err error) {
	f.metrics.ObserveFallback(op)

	f.mu.Lock()
	first := !f.degraded
	f.degraded = true
	f.nextProbe = f.clock.Now().Add(f.retry)
	f.mu.Unlock()

	if first {
		f.logger.Warn().Err(err).Str("op", op).Dur("retry_in", f.retry).
			Msg("distributed window store unavailable; serving from local backend")
		return
	}
	f.logger.Debug().Err(err).Str("op", op).Msg("distributed window store still unavailable")
}

func (f *Failover) markHealthy() {
	f.mu.Lock()
	recovered := f.degraded
	f.degraded = false
	f.mu.Unlock()

	if recovered {
		f.logger.Info().Msg("distributed window store recovered")
	}
}

var _ Store = (*Failover)(nil)
