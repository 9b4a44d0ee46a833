package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
)

// DefaultIdentifyInterval is the spacing the gateway enforces between
// identifies that share a concurrency bucket.
const DefaultIdentifyInterval = 5 * time.Second

// IdentifyLimiter spaces out session starts. Shards are grouped into
// shard_id % max_concurrency buckets and each bucket admits one identify per
// interval. One IdentifyLimiter is shared by every engine in a process.
type IdentifyLimiter struct {
	concurrency int
	interval    time.Duration

	mu      sync.Mutex
	buckets map[int]*identifyBucket
}

type identifyBucket struct {
	mu   csync.Mutex
	next time.Time
}

// NewIdentifyLimiter returns a limiter for the given max_concurrency.
// A zero interval uses DefaultIdentifyInterval.
func NewIdentifyLimiter(maxConcurrency int, interval time.Duration) *IdentifyLimiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}
	return &IdentifyLimiter{
		concurrency: maxConcurrency,
		interval:    interval,
		buckets:     make(map[int]*identifyBucket),
	}
}

// Wait blocks until shardID may identify.
func (l *IdentifyLimiter) Wait(ctx context.Context, shardID int) error {
	b := l.bucket(shardID % l.concurrency)

	if err := b.mu.CLock(ctx); err != nil {
		return err
	}
	defer b.mu.Unlock()

	if d := time.Until(b.next); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	b.next = time.Now().Add(l.interval)
	return nil
}

func (l *IdentifyLimiter) bucket(key int) *identifyBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &identifyBucket{}
		l.buckets[key] = b
	}
	return b
}
