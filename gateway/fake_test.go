package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/transport"
)

const waitFor = 2 * time.Second

// fakeGateway plays the server side of every connection an engine opens.
// Each Connect call produces a fakeConn the test drives by hand.
type fakeGateway struct {
	mu          sync.Mutex
	endpoints   []string
	connectErrs []error

	conns chan *fakeConn
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{conns: make(chan *fakeConn, 16)}
}

func (g *fakeGateway) factory() transport.Adapter {
	return &fakeAdapter{gw: g}
}

// failConnects makes the next Connect calls fail with errs, in order.
func (g *fakeGateway) failConnects(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectErrs = append(g.connectErrs, errs...)
}

func (g *fakeGateway) endpoint(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.endpoints) {
		return ""
	}
	return g.endpoints[i]
}

func (g *fakeGateway) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("engine never connected")
		return nil
	}
}

type fakeConn struct {
	toClient   chan payload.Payload
	fromClient chan payload.Payload
	remoteErr  chan error

	closeOnce sync.Once
	closed    chan struct{}
	intent    chan transport.CloseIntent
}

func (c *fakeConn) push(t *testing.T, p payload.Payload) {
	t.Helper()
	select {
	case c.toClient <- p:
	case <-time.After(waitFor):
		t.Fatalf("engine did not read payload %v", p.Op)
	}
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()
	c.push(t, payload.Payload{
		Op:   payload.OpHello,
		Data: json.RawMessage(fmt.Sprintf(`{"heartbeat_interval":%d}`, interval.Milliseconds())),
	})
}

func (c *fakeConn) dispatch(t *testing.T, seq int64, name, data string) {
	t.Helper()
	c.push(t, payload.Payload{Op: payload.OpDispatch, Seq: seq, Event: name, Data: json.RawMessage(data)})
}

func (c *fakeConn) ready(t *testing.T, seq int64, sessionID, resumeURL string) {
	t.Helper()
	c.dispatch(t, seq, payload.EventReady,
		fmt.Sprintf(`{"v":10,"session_id":%q,"resume_gateway_url":%q}`, sessionID, resumeURL))
}

func (c *fakeConn) invalidSession(t *testing.T, resumable bool) {
	t.Helper()
	c.push(t, payload.Payload{Op: payload.OpInvalidSession, Data: json.RawMessage(strconv.FormatBool(resumable))})
}

// closeWith simulates the server closing the stream with code.
func (c *fakeConn) closeWith(code int) {
	c.remoteErr <- &transport.Error{Op: "receive", Kind: transport.FaultRemoteClose, Code: code, Err: fmt.Errorf("closed %d", code)}
}

// expect returns the next client payload with op. Heartbeats are skipped
// unless op is OpHeartbeat.
func (c *fakeConn) expect(t *testing.T, op payload.Opcode) payload.Payload {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case p := <-c.fromClient:
			if p.Op == op {
				return p
			}
			if p.Op != payload.OpHeartbeat {
				t.Fatalf("expected %v from client, got %v", op, p.Op)
			}
		case <-deadline:
			t.Fatalf("client never sent %v", op)
			return payload.Payload{}
		}
	}
}

func (c *fakeConn) closedWith(t *testing.T) transport.CloseIntent {
	t.Helper()
	select {
	case intent := <-c.intent:
		return intent
	case <-c.closed:
		select {
		case intent := <-c.intent:
			return intent
		default:
			t.Fatal("connection dropped without a close frame")
			return 0
		}
	case <-time.After(waitFor):
		t.Fatal("engine never closed the connection")
		return 0
	}
}

type fakeAdapter struct {
	gw   *fakeGateway
	mu   sync.Mutex
	conn *fakeConn
}

func (a *fakeAdapter) Connect(ctx context.Context, endpoint string) error {
	a.gw.mu.Lock()
	a.gw.endpoints = append(a.gw.endpoints, endpoint)
	var err error
	if len(a.gw.connectErrs) > 0 {
		err = a.gw.connectErrs[0]
		a.gw.connectErrs = a.gw.connectErrs[1:]
	}
	a.gw.mu.Unlock()
	if err != nil {
		return err
	}

	c := &fakeConn{
		toClient:   make(chan payload.Payload),
		fromClient: make(chan payload.Payload, 64),
		remoteErr:  make(chan error, 1),
		closed:     make(chan struct{}),
		intent:     make(chan transport.CloseIntent, 1),
	}
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
	a.gw.conns <- c
	return nil
}

func (a *fakeAdapter) current() *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *fakeAdapter) Send(ctx context.Context, p payload.Payload) error {
	if _, err := transport.Encode(payload.JSON, p); err != nil {
		return err
	}
	c := a.current()
	if c == nil {
		return &transport.Error{Op: "send", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}
	select {
	case c.fromClient <- p:
		return nil
	case <-c.closed:
		return &transport.Error{Op: "send", Kind: transport.FaultClosed, Err: transport.ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeAdapter) Receive(ctx context.Context) (payload.Payload, error) {
	c := a.current()
	if c == nil {
		return payload.Payload{}, &transport.Error{Op: "receive", Kind: transport.FaultNotConnected, Err: transport.ErrNotConnected}
	}
	select {
	case p := <-c.toClient:
		return p, nil
	case err := <-c.remoteErr:
		return payload.Payload{}, err
	case <-c.closed:
		return payload.Payload{}, &transport.Error{Op: "receive", Kind: transport.FaultClosed, Err: transport.ErrClosed}
	case <-ctx.Done():
		// like a real websocket read, giving up drops the connection
		c.abort()
		return payload.Payload{}, ctx.Err()
	}
}

// abort closes the connection without a close frame.
func (c *fakeConn) abort() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (a *fakeAdapter) Disconnect(intent transport.CloseIntent) error {
	c := a.current()
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.intent <- intent
		close(c.closed)
	})
	return nil
}

func (a *fakeAdapter) IsConnected() bool {
	c := a.current()
	if c == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}
