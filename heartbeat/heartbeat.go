// Package heartbeat keeps one gateway connection's liveness check.
//
// A Monitor sends a heartbeat every interval and expects the server to ack
// it before the next one is due. The first beat is delayed by a random
// fraction of the interval so that many shards started together do not
// beat in lockstep. When a beat comes due and the previous one was never
// acked the connection is zombied: Run returns ErrZombied and the engine
// replaces the physical connection.
package heartbeat

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

var (
	ErrZombied     = errors.New("heartbeat: no ack since last heartbeat")
	ErrBadInterval = errors.New("heartbeat: interval must be positive")
)

// SendFunc writes one heartbeat carrying seq.
type SendFunc func(ctx context.Context, seq int64) error

type Monitor struct {
	interval time.Duration
	send     SendFunc
	seq      func() int64
	jitter   func() float64

	// written by the receive side (Ack) and read by Run; one writer each
	acked    atomic.Bool
	lastSent atomic.Int64
	lastAck  atomic.Int64
	latency  atomic.Int64
}

type Option func(*Monitor)

// WithJitter replaces the source of the first-beat fraction. fn must
// return a value in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(m *Monitor) { m.jitter = fn }
}

// New returns a Monitor that beats every interval via send, reading the
// sequence to report from seq.
func New(interval time.Duration, seq func() int64, send SendFunc, opts ...Option) (*Monitor, error) {
	if interval <= 0 {
		return nil, ErrBadInterval
	}
	m := &Monitor{
		interval: interval,
		send:     send,
		seq:      seq,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.acked.Store(true)
	return m, nil
}

// Run beats until ctx ends, a send fails, or an ack goes missing.
// It returns ctx.Err(), the send error, or ErrZombied respectively.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(m.FirstDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if !m.acked.Swap(false) {
			return ErrZombied
		}
		if err := m.beat(ctx); err != nil {
			return err
		}
		timer.Reset(m.interval)
	}
}

// FirstDelay is interval * jitter.
func (m *Monitor) FirstDelay() time.Duration {
	f := m.jitter()
	if f < 0 || f >= 1 {
		f = 0
	}
	return time.Duration(float64(m.interval) * f)
}

// Beat sends a heartbeat immediately, as the server may request. It does
// not move the schedule or the ack expectation.
//
// Acks carry no reference to the beat they answer, so any ack that arrives
// after the last scheduled beat satisfies it, including the ack of a beat
// sent here. An ack received before the scheduled beat never counts for it.
func (m *Monitor) Beat(ctx context.Context) error {
	return m.beat(ctx)
}

func (m *Monitor) beat(ctx context.Context) error {
	// record first: the ack can arrive before send returns
	m.lastSent.Store(time.Now().UnixNano())
	return m.send(ctx, m.seq())
}

// Ack records a heartbeat ack from the server.
func (m *Monitor) Ack() {
	now := time.Now().UnixNano()
	m.lastAck.Store(now)
	if sent := m.lastSent.Load(); sent != 0 && now >= sent {
		m.latency.Store(now - sent)
	}
	m.acked.Store(true)
}

// Snapshot is a point-in-time view of the heartbeat state.
type Snapshot struct {
	Interval time.Duration
	LastSent time.Time
	LastAck  time.Time
	Latency  time.Duration // between the last beat and its ack
	Acked    bool          // whether the last beat has been acked
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Interval: m.interval,
		LastSent: unixNano(m.lastSent.Load()),
		LastAck:  unixNano(m.lastAck.Load()),
		Latency:  time.Duration(m.latency.Load()),
		Acked:    m.acked.Load(),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
