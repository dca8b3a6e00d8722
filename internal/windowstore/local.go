package windowstore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const localShards = 64

// Local is a process-local fixed window counter.
//
// The bucket id is floor(now/window) and the count restarts whenever the
// bucket changes. A caller can therefore be admitted up to twice the limit
// across a bucket boundary; it is meant as a degraded-mode fallback.
type Local struct {
	shards [localShards]localShard
}

type localShard struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	bucket int64
	count  int64
	window time.Duration
}

// NewLocal returns an empty local store.
func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*localEntry)
	}
	return l
}

// Record increments the key's counter for the bucket containing now.
func (l *Local) Record(_ context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	if window <= 0 {
		return Entry{}, errInvalidWindow
	}
	bucket := bucketID(now, window)

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok || entry.bucket != bucket || entry.window != window {
		entry = &localEntry{bucket: bucket, window: window}
		shard.entries[key] = entry
	}
	entry.count++

	return Entry{
		Count:   entry.count,
		Backend: BackendLocal,
		ResetAt: bucketEnd(bucket, window),
		bucket:  bucket,
	}, nil
}

// Peek reports the key's count for the bucket containing now.
func (l *Local) Peek(_ context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	if window <= 0 {
		return Usage{}, errInvalidWindow
	}
	bucket := bucketID(now, window)

	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	usage := Usage{Backend: BackendLocal, ResetAt: bucketEnd(bucket, window)}
	if entry, ok := shard.entries[key]; ok && entry.bucket == bucket && entry.window == window {
		usage.Count = entry.count
	}
	return usage, nil
}

// Rollback undoes a Record if its bucket is still current.
func (l *Local) Rollback(_ context.Context, key string, e Entry) error {
	shard := l.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok || entry.bucket != e.bucket || entry.count == 0 {
		return nil
	}
	entry.count--
	return nil
}

// Reset clears the key.
func (l *Local) Reset(_ context.Context, key string) error {
	shard := l.shard(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
	return nil
}

// Sweep drops counters whose bucket has ended before now and returns how many
// were removed.
func (l *Local) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if bucketID(now, entry.window) != entry.bucket {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys.
func (l *Local) Len() int {
	n := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}

func (l *Local) shard(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%localShards]
}

func bucketID(now time.Time, window time.Duration) int64 {
	n := now.UnixNano()
	w := int64(window)
	b := n / w
	if n < 0 && n%w != 0 {
		b--
	}
	return b
}

func bucketEnd(bucket int64, window time.Duration) time.Time {
	return time.Unix(0, (bucket+1)*int64(window)).UTC()
}

var _ Store = (*Local)(nil)
