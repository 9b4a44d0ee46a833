package sender

import (
	"context"
	"time"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/transport"
)

// Limiter is the part of ratelimit.Limiter the send path needs.
type Limiter interface {
	Wait(ctx context.Context) error
	WaitPriority(ctx context.Context) error
}

// Sender wraps a rate limiter and a transport Adapter together.
// It is the single place where outgoing payloads are encoded, checked
// against the size cap, admitted by the limiter and written, in that order.
//
// Two correctness points over calling the adapter directly:
//  1. An oversized payload is rejected before it takes a token, so a caller
//     bug cannot eat into the window.
//  2. Heartbeats go through WaitPriority and are never queued behind
//     commands.
type Sender struct {
	limiter Limiter
	adapter transport.Adapter
	codec   payload.Codec
	observe func(op payload.Opcode, waited time.Duration)
}

type Option func(*Sender)

// WithCodec sets the codec used for the size check. It must match the
// adapter's codec.
func WithCodec(c payload.Codec) Option {
	return func(s *Sender) { s.codec = c }
}

// WithObserver registers fn to be told how long each payload waited for
// the limiter.
func WithObserver(fn func(op payload.Opcode, waited time.Duration)) Option {
	return func(s *Sender) { s.observe = fn }
}

// New creates a Sender that admits payloads through limiter and delivers
// them via adapter.
func New(limiter Limiter, adapter transport.Adapter, opts ...Option) *Sender {
	s := &Sender{limiter: limiter, adapter: adapter, codec: payload.JSON}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send encodes out and delivers it once the limiter admits it.
func (s *Sender) Send(ctx context.Context, out payload.Outbound) error {
	return s.send(ctx, out, s.limiter.Wait)
}

// SendPriority is Send for heartbeats.
func (s *Sender) SendPriority(ctx context.Context, out payload.Outbound) error {
	return s.send(ctx, out, s.limiter.WaitPriority)
}

func (s *Sender) send(ctx context.Context, out payload.Outbound, wait func(context.Context) error) error {
	p, err := payload.Encode(s.codec, out)
	if err != nil {
		return err
	}
	// reject before waiting: no token is spent on a payload that cannot go out
	if _, err := transport.Encode(s.codec, p); err != nil {
		return err
	}

	start := time.Now()
	if err := wait(ctx); err != nil {
		return err
	}
	if s.observe != nil {
		s.observe(p.Op, time.Since(start))
	}

	return s.adapter.Send(ctx, p)
}
