// Package gorilla implements transport.Adapter over gorilla/websocket.
// gorilla connections support one concurrent reader and one concurrent
// writer, so writes are serialized here and reads are left to the single
// receive goroutine the engine runs.
package gorilla

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/retry"
	"github.com/risa-org/gateway/transport"
)

const closeWriteTimeout = time.Second

type Adapter struct {
	dialer *websocket.Dialer
	codec  payload.Codec
	logger *zap.Logger
	policy retry.Policy
	header http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type Option func(*Adapter)

func WithDialer(d *websocket.Dialer) Option { return func(a *Adapter) { a.dialer = d } }

func WithCodec(c payload.Codec) Option { return func(a *Adapter) { a.codec = c } }

func WithLogger(l *zap.Logger) Option { return func(a *Adapter) { a.logger = l } }

func WithRetry(p retry.Policy) Option { return func(a *Adapter) { a.policy = p } }

func WithHeader(h http.Header) Option { return func(a *Adapter) { a.header = h } }

func New(opts ...Option) *Adapter {
	a := &Adapter{
		dialer: websocket.DefaultDialer,
		codec:  payload.JSON,
		logger: zap.NewNop(),
		policy: retry.Policy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory returns a transport.Factory producing Adapters with opts.
func Factory(opts ...Option) transport.Factory {
	return func() transport.Adapter { return New(opts...) }
}

func (a *Adapter) Connect(ctx context.Context, endpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return &transport.Error{Op: "connect", Kind: transport.FaultAlreadyConnected, Err: transport.ErrAlreadyConnected}
	}

	return a.policy.Do(ctx, transport.Retryable, func(ctx context.Context) error {
		conn, resp, err := a.dialer.DialContext(ctx, endpoint, a.header)
		if err != nil {
			if conn != nil {
				conn.Close()
			}
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			kind := transport.ClassifyHandshake(resp, err)
			a.logger.Warn("gateway dial failed", zap.Stringer("fault", kind), zap.Error(err))
			return &transport.Error{Op: "connect", Kind: kind, Err: err}
		}
		a.conn = conn
		return nil
	})
}

func (a *Adapter) Send(ctx context.Context, p payload.Payload) error {
	data, err := transport.Encode(a.codec, p)
	if err != nil {
		return err
	}

	conn := a.current()
	if conn == nil {
		return &transport.Error{Op: "send", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return a.wrap("send", err)
	}
	return nil
}

func (a *Adapter) Receive(ctx context.Context) (payload.Payload, error) {
	conn := a.current()
	if conn == nil {
		return payload.Payload{}, &transport.Error{Op: "receive", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}

	// ReadMessage has no context; expire the deadline when ctx ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	typ, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return payload.Payload{}, a.wrap("receive", err)
	}
	return transport.Decode(a.codec, data, typ == websocket.BinaryMessage)
}

func (a *Adapter) Disconnect(intent transport.CloseIntent) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}

	a.writeMu.Lock()
	msg := websocket.FormatCloseMessage(intent.Code(), intent.String())
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		a.logger.Debug("close frame not sent", zap.Error(err))
	}
	a.writeMu.Unlock()

	return conn.Close()
}

func (a *Adapter) IsConnected() bool {
	return a.current() != nil
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) wrap(op string, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &transport.Error{Op: op, Kind: transport.FaultRemoteClose, Code: ce.Code, Err: err}
	}
	if !a.IsConnected() || errors.Is(err, context.Canceled) {
		return &transport.Error{Op: op, Kind: transport.FaultClosed, Err: errors.Join(transport.ErrClosed, err)}
	}
	return &transport.Error{Op: op, Kind: transport.ClassifyNetwork(err), Err: err}
}
