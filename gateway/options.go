package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/risa-org/gateway/metrics"
	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/session"
	"github.com/risa-org/gateway/transport"
	"github.com/risa-org/gateway/transport/sender"
)

// IdentifyLimiter spaces out session starts across shards.
// ratelimit.IdentifyLimiter implements it.
type IdentifyLimiter interface {
	Wait(ctx context.Context, shardID int) error
}

// Limiter is the outbound budget. ratelimit.Limiter implements it; Reset
// is called on every new physical connection unless the limiter is shared.
type Limiter interface {
	sender.Limiter
	Reset()
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTransport sets the factory that builds one Adapter per physical
// connection attempt. The default is the nhooyr websocket adapter retrying
// with Config.ConnectRetry; a custom factory brings its own retry policy.
func WithTransport(f transport.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithLimiter replaces the default outbound limiter. The engine owns it and
// resets it on every new physical connection.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
		e.sharedLimiter = false
	}
}

// WithSharedLimiter sets a limiter shared with other engines. A shared
// limiter is never reset by this engine.
func WithSharedLimiter(l Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
		e.sharedLimiter = true
	}
}

func WithIdentifyLimiter(l IdentifyLimiter) Option {
	return func(e *Engine) { e.identify = l }
}

// WithStore persists the session so a restarted process can resume.
func WithStore(s session.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCloseTable replaces transport.DefaultCloseTable.
func WithCloseTable(t transport.CloseTable) Option {
	return func(e *Engine) { e.closeTable = t }
}

func WithCodec(c payload.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithHeartbeatJitter replaces the source of the first-heartbeat fraction.
func WithHeartbeatJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// StopOption configures Stop.
type StopOption func(*stopConfig)

type stopConfig struct {
	retain bool
}

// RetainSession keeps the session so the next Start resumes it. It is also
// saved to the Store, if one is configured.
func RetainSession() StopOption {
	return func(c *stopConfig) { c.retain = true }
}
