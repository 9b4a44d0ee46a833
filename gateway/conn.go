package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/risa-org/gateway/handshake"
	"github.com/risa-org/gateway/heartbeat"
	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/session"
	"github.com/risa-org/gateway/transport"
	"github.com/risa-org/gateway/transport/sender"
)

// connection is the state of one physical connection. Its receive,
// heartbeat and command goroutines report to the engine goroutine, which
// alone runs serve and handle.
type connection struct {
	e       *Engine
	log     *zap.Logger
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	adapter transport.Adapter
	sender  *sender.Sender
	monitor *heartbeat.Monitor
	q       *eventQueue

	wg      sync.WaitGroup
	inbound chan payload.Payload
	recvErr chan error
	hbErr   chan error

	connected bool
}

// connect opens one physical connection and serves it until it ends.
func (e *Engine) connect(ctx context.Context, q *eventQueue) (out outcome) {
	log := e.logger.With(zap.String("conn_id", uuid.NewString()))
	e.setState(session.Connecting)

	st := e.Session()
	endpoint := e.endpointFor(st, log)

	adapter := e.factory()
	if !e.sharedLimiter {
		e.limiter.Reset()
	}

	log.Info("connecting", zap.String("endpoint", endpoint), zap.Bool("resume", st.Resumable()))

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	err := adapter.Connect(cctx, endpoint)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return outcome{err: ctx.Err()}
		case transport.Retryable(err), errors.Is(err, context.DeadlineExceeded):
			return outcome{cause: causeConnectFailed, err: err}
		}
		return outcome{fatal: &FatalError{Reason: ReasonHandshakeRejected, Err: err}}
	}

	// the connection outlives ctx until teardown has sent its close frame
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &connection{
		e:       e,
		log:     log,
		parent:  ctx,
		ctx:     connCtx,
		cancel:  connCancel,
		adapter: adapter,
		q:       q,
		inbound: make(chan payload.Payload, 16),
		recvErr: make(chan error, 1),
		hbErr:   make(chan error, 1),
	}
	c.sender = sender.New(e.limiter, adapter,
		sender.WithCodec(e.codec),
		sender.WithObserver(func(op payload.Opcode, waited time.Duration) {
			e.metrics.Sent(e.cfg.Identity.ShardID, op, waited)
		}))

	defer func() {
		out.connected = c.connected
		c.teardown(ctx.Err() != nil || out.fatal != nil)
	}()

	return c.open()
}

// endpointFor picks resume_url for a resumable session, the base URL otherwise.
func (e *Engine) endpointFor(st session.State, log *zap.Logger) string {
	if st.Resumable() && st.ResumeURL != "" {
		endpoint, err := e.cfg.endpoint(st.ResumeURL)
		if err == nil {
			return endpoint
		}
		log.Warn("unusable resume url, using base url", zap.Error(err))
	}
	// validated in New
	endpoint, _ := e.cfg.endpoint(e.cfg.URL)
	return endpoint
}

// open runs Hello, starts the connection's activities and sends
// Identify or Resume.
func (c *connection) open() outcome {
	e := c.e

	e.setState(session.AwaitingHello)
	c.wg.Add(1)
	go c.receive()

	hello, err := handshake.AwaitHello(c.parent, inboundReceiver{c}, e.codec, e.cfg.HelloTimeout)
	if err != nil {
		if errors.Is(err, handshake.ErrUnexpectedOpcode) {
			return outcome{fatal: &FatalError{Reason: ReasonProtocolViolation, Err: err}}
		}
		out := c.classify(err)
		if out.cause == causeTransport {
			out.cause = causeHelloFailed
		}
		return out
	}

	e.updateSession(func(s *session.State) { s.HeartbeatInterval = hello.HeartbeatInterval })

	var opts []heartbeat.Option
	if e.jitter != nil {
		opts = append(opts, heartbeat.WithJitter(e.jitter))
	}
	// the interval was validated when Hello was decoded
	c.monitor, _ = heartbeat.New(hello.HeartbeatInterval, e.seq.Load, func(ctx context.Context, seq int64) error {
		return c.sender.SendPriority(ctx, payload.Heartbeat{Seq: seq})
	}, opts...)
	e.monitor.Store(c.monitor)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.hbErr <- c.monitor.Run(c.ctx)
	}()

	plan := handshake.Begin(e.cfg.Identity, e.Session())
	if plan.State == session.Identifying && e.identify != nil {
		if err := e.identify.Wait(c.parent, e.cfg.Identity.ShardID); err != nil {
			return outcome{err: err}
		}
	}

	e.setState(plan.State)
	c.log.Info("handshake",
		zap.String("reason", plan.Reason),
		zap.Duration("heartbeat_interval", hello.HeartbeatInterval),
		zap.String("token_fingerprint", e.cfg.Identity.Token.Fingerprint()))

	if err := c.sender.Send(c.ctx, plan.Payload); err != nil {
		return c.classify(err)
	}
	return c.serve()
}

func (c *connection) serve() outcome {
	for {
		select {
		case <-c.parent.Done():
			return outcome{err: c.parent.Err()}

		case p := <-c.inbound:
			if out, done := c.handle(p); done {
				return out
			}

		case err := <-c.recvErr:
			return c.classify(err)

		case err := <-c.hbErr:
			if errors.Is(err, heartbeat.ErrZombied) {
				c.log.Warn("heartbeat not acked, connection zombied",
					zap.Time("last_ack", c.monitor.Snapshot().LastAck))
				return outcome{cause: causeZombied, err: err}
			}
			return c.classify(err)
		}
	}
}

// handle applies one inbound payload and reports whether the connection
// must end.
func (c *connection) handle(p payload.Payload) (outcome, bool) {
	e := c.e

	in, err := payload.Decode(e.codec, p)
	if err != nil {
		c.log.Warn("dropping undecodable payload", zap.Stringer("op", p.Op), zap.Error(err))
		return outcome{}, false
	}

	switch v := in.(type) {
	case payload.HeartbeatAck:
		c.monitor.Ack()
		e.metrics.HeartbeatLatency(e.cfg.Identity.ShardID, c.monitor.Snapshot().Latency)

	case payload.HeartbeatRequest:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.monitor.Beat(c.ctx); err != nil {
				c.log.Debug("requested heartbeat failed", zap.Error(err))
			}
		}()

	case payload.Reconnect:
		c.log.Info("server requested reconnect")
		return outcome{cause: causeReconnectRequested}, true

	case payload.InvalidSession:
		// a rejected Resume always means starting over
		if !v.Resumable || e.State() == session.Resuming {
			c.dropSession()
		}
		c.log.Warn("invalid session", zap.Bool("resumable", v.Resumable))
		return outcome{cause: causeInvalidSession}, true

	case payload.Dispatch:
		return c.dispatch(v)

	case payload.Hello:
		c.log.Debug("ignoring repeated hello")

	default:
		c.log.Debug("ignoring payload", zap.Stringer("op", p.Op))
	}
	return outcome{}, false
}

func (c *connection) dispatch(d payload.Dispatch) (outcome, bool) {
	e := c.e
	verdict := session.InOrder

	if d.Seq > 0 {
		e.updateSession(func(s *session.State) {
			if d.Name == payload.EventReady {
				// a new session numbers from scratch
				s.Sequence = 0
			}
			verdict = s.Observe(d.Seq)
		})
		if verdict == session.Gap {
			c.log.Warn("dispatch sequence gap", zap.Int64("seq", d.Seq))
		}
	}

	switch d.Name {
	case payload.EventReady:
		ready, err := payload.DecodeReady(e.codec, d.Data)
		if err != nil {
			c.log.Error("unusable READY", zap.Error(err))
			return outcome{cause: causeBadReady, err: err}, true
		}
		st := e.updateSession(func(s *session.State) {
			s.ID = ready.SessionID
			s.ResumeURL = ready.ResumeURL
		})
		c.established(st)

	case payload.EventResumed:
		c.established(e.Session())
	}

	e.metrics.Dispatch(e.cfg.Identity.ShardID, d.Name, verdict)
	c.q.push(Event{Name: d.Name, Seq: d.Seq, Data: d.Data})
	return outcome{}, false
}

// established moves to Connected once READY or RESUMED arrived.
func (c *connection) established(st session.State) {
	if c.connected {
		return
	}
	c.connected = true
	c.e.setState(session.Connected)
	c.e.persist(c.ctx, st)
	c.log.Info("session established",
		zap.String("session_id", st.ID),
		zap.Int64("seq", st.Sequence))

	c.wg.Add(1)
	go c.serveCommands()
}

// classify turns a connection fault into an outcome. Remote close codes go
// through the close table; everything else reconnects.
func (c *connection) classify(err error) outcome {
	if c.parent.Err() != nil {
		return outcome{err: c.parent.Err()}
	}

	code, ok := transport.CloseCode(err)
	if !ok {
		c.log.Warn("connection fault",
			zap.Stringer("fault", transport.KindOf(err)),
			zap.Error(err))
		return outcome{cause: causeTransport, err: err}
	}

	action := c.e.closeTable.Lookup(code)
	c.log.Warn("remote closed connection",
		zap.Int("close_code", code),
		zap.Stringer("action", action))

	switch action {
	case transport.ActionFatal:
		return outcome{fatal: &FatalError{Reason: ReasonCloseCode, Code: code, Err: err}}
	case transport.ActionReidentify:
		c.dropSession()
		return outcome{cause: causeSessionRejected, err: err}
	}
	return outcome{cause: causeRemoteClose, err: err}
}

func (c *connection) dropSession() {
	st := c.e.updateSession(func(s *session.State) { s.Clear() })
	c.e.persist(c.ctx, st)
}

func (c *connection) receive() {
	defer c.wg.Done()
	for {
		p, err := c.adapter.Receive(c.ctx)
		if err != nil {
			c.recvErr <- err
			return
		}
		select {
		case c.inbound <- p:
		case <-c.ctx.Done():
			return
		}
	}
}

// inboundReceiver reads what the receive goroutine delivered. Giving up on
// it never touches the socket, so a stop during the Hello wait still ends
// with a close frame.
type inboundReceiver struct{ c *connection }

func (r inboundReceiver) Receive(ctx context.Context) (payload.Payload, error) {
	select {
	case p := <-r.c.inbound:
		return p, nil
	case err := <-r.c.recvErr:
		return payload.Payload{}, err
	case <-ctx.Done():
		return payload.Payload{}, ctx.Err()
	}
}

// serveCommands writes caller commands while the connection is Connected.
func (c *connection) serveCommands() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.e.commands:
			ctx, cancel := context.WithCancel(c.ctx)
			stop := context.AfterFunc(cmd.ctx, cancel)
			err := c.sender.Send(ctx, cmd.out)
			stop()
			cancel()
			cmd.result <- err
		}
	}
}

// teardown closes the connection with the matching intent and waits a
// bounded time for its goroutines.
func (c *connection) teardown(final bool) {
	intent := transport.CloseReconnect
	if final {
		intent = transport.CloseFinal
	}
	timeout := c.e.cfg.ShutdownTimeout

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := c.adapter.Disconnect(intent); err != nil {
			c.log.Debug("disconnect failed", zap.Error(err))
		}
	}()
	if !waitTimeout(closed, timeout) {
		c.log.Warn("disconnect timed out", zap.Stringer("intent", intent))
	}

	c.cancel()

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	if !waitTimeout(stopped, timeout) {
		c.log.Warn("connection activities did not stop in time")
	}
	c.log.Debug("connection closed", zap.Stringer("intent", intent))
}
