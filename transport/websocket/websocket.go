package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/retry"
	"github.com/risa-org/gateway/transport"
)

// DefaultReadLimit bounds one inbound message. Inbound payloads have no
// protocol cap and READY can be large, so this is far above the outbound 4 KiB.
const DefaultReadLimit = 16 << 20

// Adapter implements transport.Adapter over a nhooyr.io/websocket connection.
// WebSocket already has message boundaries, so each payload is one text
// message. Binary messages are treated as zlib-compressed payloads.
type Adapter struct {
	opts options

	mu   sync.Mutex
	conn *websocket.Conn
}

type options struct {
	codec     payload.Codec
	logger    *zap.Logger
	policy    retry.Policy
	header    http.Header
	client    *http.Client
	readLimit int64
}

// Option configures an Adapter.
type Option func(*options)

// WithCodec replaces the default JSON codec.
func WithCodec(c payload.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the logger used for dial diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetry sets the policy wrapped around Connect.
func WithRetry(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithReadLimit sets the maximum inbound message size.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// New builds an unconnected Adapter.
func New(opts ...Option) *Adapter {
	o := options{
		codec:     payload.JSON,
		logger:    zap.NewNop(),
		policy:    retry.Policy{MaxAttempts: 1},
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter{opts: o}
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

	attempt := 0
	err := a.opts.policy.Do(ctx, transport.Retryable, func(ctx context.Context) error {
		attempt++
		conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
			HTTPClient: a.opts.client,
			HTTPHeader: a.opts.header,
		})
		if err != nil {
			// never leave a half-open socket behind
			if conn != nil {
				conn.CloseNow()
			}
			kind := transport.ClassifyHandshake(resp, err)
			a.opts.logger.Warn("gateway dial failed",
				zap.Int("attempt", attempt),
				zap.Stringer("fault", kind),
				zap.Error(err))
			return &transport.Error{Op: "connect", Kind: kind, Err: err}
		}

		conn.SetReadLimit(a.opts.readLimit)
		a.conn = conn
		return nil
	})
	return err
}

func (a *Adapter) Send(ctx context.Context, p payload.Payload) error {
	// size check first: an oversized payload never reaches the socket
	data, err := transport.Encode(a.opts.codec, p)
	if err != nil {
		return err
	}

	conn := a.current()
	if conn == nil {
		return &transport.Error{Op: "send", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return a.wrap("send", err)
	}
	return nil
}

func (a *Adapter) Receive(ctx context.Context) (payload.Payload, error) {
	conn := a.current()
	if conn == nil {
		return payload.Payload{}, &transport.Error{Op: "receive", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return payload.Payload{}, a.wrap("receive", err)
	}
	return transport.Decode(a.opts.codec, data, typ == websocket.MessageBinary)
}

func (a *Adapter) Disconnect(intent transport.CloseIntent) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusCode(intent.Code()), intent.String())
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		// the close handshake failing only means the peer is already gone
		a.opts.logger.Debug("close handshake incomplete", zap.Error(err))
		conn.CloseNow()
	}
	return nil
}

func (a *Adapter) IsConnected() bool {
	return a.current() != nil
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// wrap classifies err. A close frame from the peer carries its status code,
// which the engine looks up in its close table.
func (a *Adapter) wrap(op string, err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return &transport.Error{Op: op, Kind: transport.FaultRemoteClose, Code: int(status), Err: err}
	}
	if !a.IsConnected() || errors.Is(err, context.Canceled) {
		return &transport.Error{Op: op, Kind: transport.FaultClosed, Err: errors.Join(transport.ErrClosed, err)}
	}
	return &transport.Error{Op: op, Kind: transport.ClassifyNetwork(err), Err: err}
}
