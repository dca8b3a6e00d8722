package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windowgate/internal/clock"
	"windowgate/internal/windowstore"
)

var start = time.Date(2025, 6, 1, 9, 30, 5, 0, time.UTC)

type backendCase struct {
	name  string
	store func(t *testing.T) windowstore.Store
}

func backends() []backendCase {
	return []backendCase{
		{"local", func(t *testing.T) windowstore.Store { return windowstore.NewLocal() }},
		{"redis", func(t *testing.T) windowstore.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return windowstore.NewRedis(client, windowstore.RedisOptions{Timeout: 5 * time.Second})
		}},
	}
}

func newController(store windowstore.Store, clk clock.Clock) *Controller {
	return New(store, Options{Clock: clk}, zerolog.Nop())
}

func TestBurstWithinLimit(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			c := newController(bc.store(t), clock.NewManual(start))
			const limit = 5
			var last Decision
			for i := 0; i < limit; i++ {
				last = c.Check(context.Background(), "id", limit, 0)
				require.True(t, last.Allowed, "request %d", i+1)
			}
			assert.Equal(t, int64(0), last.Remaining)
			assert.Equal(t, int64(limit), last.Limit)
		})
	}
}

func TestBurstOneOverLimit(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			c := newController(bc.store(t), clock.NewManual(start))
			const limit = 4
			allowed := 0
			var last Decision
			for i := 0; i < limit+1; i++ {
				last = c.Check(context.Background(), "id", limit, time.Minute)
				if last.Allowed {
					allowed++
				}
			}
			assert.Equal(t, limit, allowed)
			assert.False(t, last.Allowed)
			assert.Equal(t, int64(0), last.Remaining)
			assert.Positive(t, last.ResetInSeconds())

			// a rejected call does not itself consume quota
			peek := c.Peek(context.Background(), "id", limit, time.Minute)
			assert.Equal(t, int64(0), peek.Remaining)
			assert.False(t, peek.Allowed)
		})
	}
}

func TestRemainingCountsDown(t *testing.T) {
	c := newController(windowstore.NewLocal(), clock.NewManual(start))
	d := c.Check(context.Background(), "id", 10, 0)
	assert.Equal(t, int64(9), d.Remaining)
	d = c.Check(context.Background(), "id", 10, 0)
	assert.Equal(t, int64(8), d.Remaining)
}

func TestPeekDoesNotConsume(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			c := newController(bc.store(t), clock.NewManual(start))
			ctx := context.Background()

			c.Check(ctx, "id", 2, 0)
			for i := 0; i < 5; i++ {
				p := c.Peek(ctx, "id", 2, 0)
				assert.True(t, p.Allowed)
				assert.Equal(t, int64(1), p.Remaining)
			}
			d := c.Check(ctx, "id", 2, 0)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(0), d.Remaining)
		})
	}
}

func TestZeroLimitAlwaysDenies(t *testing.T) {
	store := windowstore.NewLocal()
	c := newController(store, clock.NewManual(start))

	d := c.Check(context.Background(), "fresh", 0, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	u, _ := store.Peek(context.Background(), "fresh", start, DefaultWindow)
	assert.Zero(t, u.Count, "denied zero-limit checks record nothing")
}

func TestFirstCallForUnknownIdentityAllows(t *testing.T) {
	c := newController(windowstore.NewLocal(), clock.NewManual(start))
	d := c.Check(context.Background(), "never-seen", 1, 0)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestLocalWindowResetsOnBoundary(t *testing.T) {
	clk := clock.NewManual(start)
	c := newController(windowstore.NewLocal(), clk)
	ctx := context.Background()

	c.Check(ctx, "id", 1, time.Minute)
	assert.False(t, c.Check(ctx, "id", 1, time.Minute).Allowed)

	clk.Advance(time.Minute)
	assert.True(t, c.Check(ctx, "id", 1, time.Minute).Allowed)
}

func TestReset(t *testing.T) {
	c := newController(windowstore.NewLocal(), clock.NewManual(start))
	ctx := context.Background()
	c.Check(ctx, "id", 1, 0)
	require.NoError(t, c.Reset(ctx, "id"))
	assert.True(t, c.Check(ctx, "id", 1, 0).Allowed)
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			c := newController(bc.store(t), clock.NewManual(start))
			const (
				limit   = 25
				callers = 120
			)

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if c.Check(context.Background(), "shared", limit, time.Minute).Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(limit), allowed.Load())
		})
	}
}

func TestFailoverAgreesWithRedisAtLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewManual(start)
	store := windowstore.NewFailover(
		windowstore.NewRedis(client, windowstore.RedisOptions{Timeout: 5 * time.Second}),
		nil,
		windowstore.FailoverOptions{Clock: clk},
		zerolog.Nop(),
	)
	c := newController(store, clk)

	mr.SetError("ERR down")
	allowed := 0
	for i := 0; i < 3; i++ {
		d := c.Check(context.Background(), "id", 3, 0)
		assert.Equal(t, windowstore.BackendLocal, d.Backend)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.False(t, c.Check(context.Background(), "id", 3, 0).Allowed)
}
