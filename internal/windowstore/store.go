// Package windowstore counts events per key over a trailing time window.
//
// Two backends implement Store: Redis keeps a sorted set of event timestamps
// per key and gives a true rolling window shared across processes; Local keeps
// an epoch-aligned fixed window counter in process memory. Failover routes to
// Redis and transparently serves from Local while Redis is unreachable.
package windowstore

import (
	"context"
	"time"
)

const (
	// BackendRedis labels entries recorded by the Redis backend.
	BackendRedis = "redis"
	// BackendLocal labels entries recorded by the local backend.
	BackendLocal = "local"
)

// Entry describes one recorded event and the window count including it.
type Entry struct {
	Count   int64
	Member  string
	Backend string
	ResetAt time.Time

	bucket int64
}

// Usage is a read-only view of a key's window.
type Usage struct {
	Count   int64
	Backend string
	ResetAt time.Time
}

// Store is the atomic record-and-count primitive.
//
// Record adds one event at now, drops events older than window and returns
// the resulting count as one indivisible step for the key. Peek never
// mutates. Rollback removes an entry returned by Record, so rejected calls do
// not count against later windows.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error)
	Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error)
	Rollback(ctx context.Context, key string, entry Entry) error
	Reset(ctx context.Context, key string) error
}
