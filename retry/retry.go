// Package retry runs fallible operations under bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last error once a Policy runs out of attempts.
var ErrExhausted = errors.New("retries exhausted")

// Backoff computes delays of the form min(Initial * Multiplier^attempt, Max),
// each shortened by up to Jitter of itself so that many clients failing at
// once do not come back in lockstep.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64        // 0 disables, 0.5 means delay in [d/2, d]
	Rand       func() float64 // nil uses math/rand/v2

	attempt int
}

// DefaultBackoff is used for gateway reconnects.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// DefaultConnectPolicy retries transient dial faults a few times inside one
// Connect before the engine sees a failure.
func DefaultConnectPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    250 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
			Jitter:     0.5,
		},
	}
}

// Next returns the delay for the current attempt and advances it.
func (b *Backoff) Next() time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(b.Initial) * math.Pow(mult, float64(b.attempt)))
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		delay = b.Max
	}
	b.attempt++

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delay -= time.Duration(float64(delay) * b.Jitter * r())
	}
	return delay
}

// Reset starts the sequence over, called after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt is how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep blocks for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy bounds how often an operation is attempted.
type Policy struct {
	MaxAttempts int // total attempts including the first, values below 1 mean 1
	Backoff     Backoff
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts run out. retryable nil retries nothing.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.Backoff
	b.Reset()

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := b.Wait(ctx); werr != nil {
				return fmt.Errorf("%w: %w", werr, err)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}
