package windowstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errInvalidWindow = errors.New("windowstore: window must be positive")

// RedisOptions tune the Redis backend.
type RedisOptions struct {
	Prefix  string
	Timeout time.Duration
}

// Redis keeps one sorted set per key, scored by event time in microseconds.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "windowgate:rl:"
	}
	return &Redis{client: client, prefix: prefix, timeout: timeout}
}

// Ping checks connectivity within the configured timeout.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}

// Record prunes, adds and counts in a single MULTI/EXEC round trip.
func (r *Redis) Record(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	if window <= 0 {
		return Entry{}, errInvalidWindow
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.prefix + key
	nowMicro := now.UnixMicro()
	member := strconv.FormatInt(nowMicro, 10) + "-" + uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+cutoffScore(now, window))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMicro), Member: member})
		card = pipe.ZCard(ctx, k)
		oldest = pipe.ZRangeWithScores(ctx, k, 0, 0)
		pipe.PExpire(ctx, k, window+time.Second)
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("redis record %s: %w", k, err)
	}

	return Entry{
		Count:   card.Val(),
		Member:  member,
		Backend: BackendRedis,
		ResetAt: resetFromOldest(oldest.Val(), now, window),
	}, nil
}

// Peek counts events in [now-window, now] without mutating the set.
func (r *Redis) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	if window <= 0 {
		return Usage{}, errInvalidWindow
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.prefix + key
	minScore := cutoffScore(now, window)
	maxScore := strconv.FormatInt(now.UnixMicro(), 10)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.ZCount(ctx, k, minScore, maxScore)
		oldest = pipe.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{Min: minScore, Max: maxScore, Count: 1})
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("redis peek %s: %w", k, err)
	}

	return Usage{
		Count:   count.Val(),
		Backend: BackendRedis,
		ResetAt: resetFromOldest(oldest.Val(), now, window),
	}, nil
}

// Rollback removes the member added by Record.
func (r *Redis) Rollback(ctx context.Context, key string, e Entry) error {
	if e.Member == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.prefix + key
	if err := r.client.ZRem(ctx, k, e.Member).Err(); err != nil {
		return fmt.Errorf("redis ZREM %s: %w", k, err)
	}
	return nil
}

// Reset deletes the key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.prefix + key
	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", k, err)
	}
	return nil
}

func cutoffScore(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMicro(), 10)
}

func resetFromOldest(oldest []redis.Z, now time.Time, window time.Duration) time.Time {
	if len(oldest) == 0 {
		return now.Add(window)
	}
	return time.UnixMicro(int64(oldest[0].Score)).Add(window).UTC()
}

var _ Store = (*Redis)(nil)
