// Package ratelimit bounds outbound gateway traffic.
//
// The gateway counts sends in fixed windows rather than as a smooth leak, so
// Limiter hands out tokens per window and starts a new window on the first
// acquire after the previous one expired. A small allotment of every window
// is reserved for heartbeats: commands can never consume it, so a caller
// flooding commands cannot starve the liveness check.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
)

const (
	DefaultCapacity = 120
	DefaultWindow   = time.Minute
	DefaultReserved = 3
)

// Limiter is a window token bucket shared by every send path of one
// connection, or of several shards when they multiplex one budget.
type Limiter struct {
	capacity int
	window   time.Duration
	reserved int

	// queue serializes command waiters so they are served in arrival order
	queue csync.Mutex

	mu       sync.Mutex
	reset    time.Time
	used     int
	commands int
}

type Option func(*Limiter)

// WithCapacity sets the total number of sends per window.
func WithCapacity(n int) Option {
	return func(l *Limiter) { l.capacity = n }
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithReserved sets how many tokens of each window only heartbeats may use.
func WithReserved(n int) Option {
	return func(l *Limiter) { l.reserved = n }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		capacity: DefaultCapacity,
		window:   DefaultWindow,
		reserved: DefaultReserved,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.capacity < 1 {
		l.capacity = 1
	}
	if l.reserved < 0 || l.reserved >= l.capacity {
		l.reserved = 0
	}
	return l
}

// Wait blocks until a command token is available and consumes it. It only
// fails when ctx ends first; a command is never dropped for lack of tokens.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.queue.CLock(ctx); err != nil {
		return err
	}
	defer l.queue.Unlock()

	return l.acquire(ctx, l.capacity-l.reserved, true)
}

// WaitPriority is Wait for heartbeats. It skips the command queue and may
// draw on the reserved allotment.
func (l *Limiter) WaitPriority(ctx context.Context) error {
	return l.acquire(ctx, l.capacity, false)
}

func (l *Limiter) acquire(ctx context.Context, limit int, command bool) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.roll(now)
		if l.used < l.capacity && (!command || l.commands < limit) {
			l.used++
			if command {
				l.commands++
			}
			l.mu.Unlock()
			return nil
		}
		until := l.reset.Sub(now)
		l.mu.Unlock()

		t := time.NewTimer(until)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// roll starts a fresh window once the current one has expired.
func (l *Limiter) roll(now time.Time) {
	if now.Before(l.reset) {
		return
	}
	l.reset = now.Add(l.window)
	l.used = 0
	l.commands = 0
}

// Reset discards the current window. The gateway counts per physical
// connection, so the engine calls this whenever it opens a new one.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset = time.Time{}
	l.used = 0
	l.commands = 0
}

// Remaining reports how many command tokens are left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !time.Now().Before(l.reset) {
		return l.capacity - l.reserved
	}
	left := l.capacity - l.reserved - l.commands
	if free := l.capacity - l.used; free < left {
		left = free
	}
	return left
}
