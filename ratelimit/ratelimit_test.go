package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterDelaysBeyondCapacityUntilWindowEnds(t *testing.T) {
	const window = 150 * time.Millisecond
	l := New(WithCapacity(3), WithWindow(window), WithReserved(0))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), window, "sends within capacity must not wait")

	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), window, "send beyond capacity must wait for the next window")
}

func TestLimiterNeverErrorsWhileWaiting(t *testing.T) {
	l := New(WithCapacity(2), WithWindow(50*time.Millisecond), WithReserved(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 7)
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := New(WithCapacity(1), WithWindow(time.Hour), WithReserved(0))
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestLimiterReservesHeartbeatTokens(t *testing.T) {
	l := New(WithCapacity(5), WithWindow(time.Hour), WithReserved(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Equal(t, 0, l.Remaining())

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(blocked), "commands must not touch the reserve")

	hbCtx, hbCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer hbCancel()
	assert.NoError(t, l.WaitPriority(hbCtx))
	assert.NoError(t, l.WaitPriority(hbCtx))
	assert.Error(t, l.WaitPriority(hbCtx), "window is exhausted")
}

func TestLimiterReset(t *testing.T) {
	l := New(WithCapacity(2), WithWindow(time.Hour), WithReserved(0))
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Equal(t, 0, l.Remaining())

	l.Reset()
	assert.Equal(t, 2, l.Remaining())

	quick, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Wait(quick))
}

func TestLimiterDefaults(t *testing.T) {
	l := New()
	assert.Equal(t, DefaultCapacity-DefaultReserved, l.Remaining())

	odd := New(WithCapacity(2), WithReserved(5))
	assert.Equal(t, 2, odd.Remaining(), "a reserve that swallows the bucket is ignored")
}

func TestIdentifyLimiterBuckets(t *testing.T) {
	const interval = 100 * time.Millisecond
	l := NewIdentifyLimiter(2, interval)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, 0))
	require.NoError(t, l.Wait(ctx, 1))
	assert.Less(t, time.Since(start), interval, "different buckets identify concurrently")

	require.NoError(t, l.Wait(ctx, 2))
	assert.GreaterOrEqual(t, time.Since(start), interval, "shard 2 shares bucket 0")
}

func TestIdentifyLimiterHonorsContext(t *testing.T) {
	l := NewIdentifyLimiter(1, time.Hour)
	require.NoError(t, l.Wait(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, 3), context.DeadlineExceeded)
}
