// Package gateway runs the connection engine for one shard: it connects,
// identifies or resumes, keeps the heartbeat, forwards dispatches in order
// and reconnects on its own whenever the session can survive the fault.
//
// The engine goroutine is the only writer of the session and of the
// connection state. The receive, heartbeat and command activities of a
// connection report to it over channels and never change either directly.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/gateway/heartbeat"
	"github.com/risa-org/gateway/metrics"
	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/ratelimit"
	"github.com/risa-org/gateway/session"
	"github.com/risa-org/gateway/transport"
	"github.com/risa-org/gateway/transport/websocket"
)

// Engine is one shard's gateway connection.
type Engine struct {
	cfg           Config
	logger        *zap.Logger
	factory       transport.Factory
	limiter       Limiter
	sharedLimiter bool
	identify      IdentifyLimiter
	store         session.Store
	metrics       *metrics.Metrics
	closeTable    transport.CloseTable
	codec         payload.Codec
	jitter        func() float64

	state   atomic.Int32
	seq     atomic.Int64
	monitor atomic.Pointer[heartbeat.Monitor]

	sessMu sync.Mutex
	sess   session.State

	commands chan *command

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    stopConfig
	err     error
}

type command struct {
	ctx    context.Context
	out    payload.Command
	result chan error
}

// New builds an engine. Nothing connects until Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, &FatalError{Reason: ReasonInvalidIdentity, Err: err}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     zap.NewNop(),
		closeTable: transport.DefaultCloseTable,
		codec:      payload.JSON,
		commands:   make(chan *command),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.Int("shard_id", cfg.Identity.ShardID))

	if e.limiter == nil {
		e.limiter = ratelimit.New()
	}
	if e.factory == nil {
		e.factory = websocket.Factory(
			websocket.WithCodec(e.codec),
			websocket.WithLogger(e.logger),
			websocket.WithRetry(cfg.ConnectRetry),
		)
	}
	return e, nil
}

// Start begins connecting in the background and returns the event stream.
// The stream delivers dispatches in the order received and is closed when
// the engine stops; callers should drain it until then. Cancelling ctx
// stops the engine like Stop without RetainSession and drops any events
// not yet delivered.
func (e *Engine) Start(ctx context.Context) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	q := newEventQueue()

	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stop = stopConfig{}
	e.err = nil

	go q.pump(ctx)
	go e.run(runCtx, q)

	return q.out, nil
}

// Stop disconnects with the final close code and waits for the engine to
// finish, or for ctx to end. Without RetainSession the session is
// discarded and the next Start identifies afresh.
func (e *Engine) Stop(ctx context.Context, opts ...StopOption) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	for _, opt := range opts {
		opt(&e.stop)
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the engine stops and returns why: nil after Stop, a
// *FatalError, or retry.ErrExhausted wrapping the last fault.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done == nil {
		return ErrNotRunning
	}
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Send queues a command and waits until it is written. The size check runs
// here, before queueing, so an oversized payload fails immediately without
// reaching the connection. While the engine is reconnecting the command
// waits for the next Connected state.
func (e *Engine) Send(ctx context.Context, cmd payload.Command) error {
	p, err := payload.Encode(e.codec, cmd)
	if err != nil {
		return err
	}
	if _, err := transport.Encode(e.codec, p); err != nil {
		return err
	}

	e.mu.Lock()
	running, done := e.running, e.done
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	c := &command{ctx: ctx, out: cmd, result: make(chan error, 1)}
	select {
	case e.commands <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}

	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrStopped
	}
}

func (e *Engine) State() session.ConnectionState {
	return session.ConnectionState(e.state.Load())
}

// Session returns a copy of the current session.
func (e *Engine) Session() session.State {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return e.sess
}

// Latency is the time between the last heartbeat and its ack, zero before
// the first ack.
func (e *Engine) Latency() time.Duration {
	if m := e.monitor.Load(); m != nil {
		return m.Snapshot().Latency
	}
	return 0
}

// setState moves to next. Only the engine goroutine calls it.
func (e *Engine) setState(next session.ConnectionState) {
	prev := session.ConnectionState(e.state.Load())
	if prev == next {
		return
	}
	if !session.ValidTransition(prev, next) {
		e.logger.Error("invalid state transition",
			zap.Stringer("from", prev), zap.Stringer("to", next))
	}
	e.state.Store(int32(next))
	e.metrics.SetState(e.cfg.Identity.ShardID, next)
	e.logger.Info("state changed",
		zap.Stringer("from", prev), zap.Stringer("to", next))
}

// updateSession applies fn to the session. Only the engine goroutine calls it.
func (e *Engine) updateSession(fn func(*session.State)) session.State {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	fn(&e.sess)
	e.seq.Store(e.sess.Sequence)
	return e.sess
}

func (e *Engine) storeKey() string {
	return session.Key(e.cfg.Identity.ShardID, e.cfg.Identity.ShardCount)
}

// persist saves or deletes the stored session. Store failures only cost a
// resume after restart, so they are logged rather than returned.
func (e *Engine) persist(ctx context.Context, st session.State) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if st.Resumable() {
		err = e.store.Save(ctx, e.storeKey(), st)
	} else {
		err = e.store.Delete(ctx, e.storeKey())
	}
	if err != nil {
		e.logger.Warn("session store failed", zap.Error(err))
	}
}

func (e *Engine) loadSession(ctx context.Context) {
	if e.store == nil || e.Session().Resumable() {
		return
	}
	st, ok, err := e.store.Load(ctx, e.storeKey())
	if err != nil {
		e.logger.Warn("session load failed", zap.Error(err))
		return
	}
	if ok && st.Resumable() {
		e.updateSession(func(s *session.State) { *s = st })
		e.logger.Info("loaded stored session", zap.Int64("seq", st.Sequence))
	}
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.err = err
	close(e.done)
}
