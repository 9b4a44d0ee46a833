package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"nhooyr.io/websocket"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/retry"
	"github.com/risa-org/gateway/transport"
)

// serve starts an in-process websocket server and hands each accepted
// server-side connection to the test.
func serve(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

// dialPair connects a client Adapter and returns it with the server side.
func dialPair(t *testing.T, opts ...Option) (*Adapter, *websocket.Conn) {
	t.Helper()

	url, conns := serve(t)
	client := New(opts...)
	if err := client.Connect(context.Background(), url); err != nil {
		t.Fatalf("client connect failed: %v", err)
	}

	// cleanups run last-in first-out: the server side goes away first
	// so the client close handshake does not wait for a reply
	t.Cleanup(func() { client.Disconnect(transport.CloseFinal) })

	select {
	case server := <-conns:
		t.Cleanup(func() { server.CloseNow() })
		return client, server
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side")
	}
	return nil, nil
}

func TestWebSocketSendAndReceive(t *testing.T) {
	client, server := dialPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Send(ctx, payload.Payload{Op: payload.OpHeartbeat, Data: json.RawMessage("3")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_, data, err := server.Read(ctx)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(data) != `{"op":1,"d":3}` {
		t.Errorf("unexpected wire bytes: %s", data)
	}

	err = server.Write(ctx, websocket.MessageText, []byte(`{"op":0,"s":5,"t":"READY","d":{"session_id":"s1"}}`))
	if err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	p, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if p.Op != payload.OpDispatch || p.Seq != 5 || p.Event != "READY" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestWebSocketReceiveInflatesBinaryFrames(t *testing.T) {
	client, server := dialPair(t)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte(`{"op":11}`))
	zw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := server.Write(ctx, websocket.MessageBinary, buf.Bytes()); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	p, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if p.Op != payload.OpHeartbeatAck {
		t.Errorf("expected HeartbeatAck, got %v", p.Op)
	}
}

// TestWebSocketOversizedPayloadNeverWritten checks that nothing reaches the
// wire when the size cap is exceeded.
func TestWebSocketOversizedPayloadNeverWritten(t *testing.T) {
	client, server := dialPair(t)

	big := json.RawMessage(`"` + strings.Repeat("x", transport.MaxPayloadSize) + `"`)
	err := client.Send(context.Background(), payload.Payload{Op: payload.OpStatusUpdate, Data: big})
	if !errors.Is(err, transport.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := server.Read(ctx); err == nil {
		t.Error("server received a message, expected none")
	}
}

func TestWebSocketConnectTwiceFails(t *testing.T) {
	client, _ := dialPair(t)

	err := client.Connect(context.Background(), "ws://127.0.0.1:1")
	if !errors.Is(err, transport.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestWebSocketRemoteCloseCarriesCode(t *testing.T) {
	client, server := dialPair(t)

	go server.Close(websocket.StatusCode(4004), "authentication failed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Receive(ctx)
	code, ok := transport.CloseCode(err)
	if !ok {
		t.Fatalf("expected a remote close error, got %v", err)
	}
	if code != 4004 {
		t.Errorf("expected close code 4004, got %d", code)
	}
}

func TestWebSocketDisconnectIntentReachesServer(t *testing.T) {
	cases := map[transport.CloseIntent]websocket.StatusCode{
		transport.CloseFinal:     websocket.StatusNormalClosure,
		transport.CloseReconnect: websocket.StatusServiceRestart,
	}

	for intent, want := range cases {
		client, server := dialPair(t)

		got := make(chan websocket.StatusCode, 1)
		go func() {
			_, _, err := server.Read(context.Background())
			got <- websocket.CloseStatus(err)
		}()

		if err := client.Disconnect(intent); err != nil {
			t.Fatalf("Disconnect(%v) failed: %v", intent, err)
		}
		if client.IsConnected() {
			t.Errorf("IsConnected true after Disconnect(%v)", intent)
		}

		select {
		case status := <-got:
			if status != want {
				t.Errorf("intent %v: expected close status %d, got %d", intent, want, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("intent %v: server never saw close", intent)
		}
	}
}

func TestWebSocketDisconnectIsIdempotent(t *testing.T) {
	client, _ := dialPair(t)

	client.Disconnect(transport.CloseFinal)
	client.Disconnect(transport.CloseFinal)
	client.Disconnect(transport.CloseReconnect)
}

func TestWebSocketSendWhenNotConnected(t *testing.T) {
	client := New()
	err := client.Send(context.Background(), payload.Payload{Op: payload.OpHeartbeat})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestWebSocketConnectRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// reading lets the server answer the client's close frame
		conn.Read(context.Background())
	}))
	defer srv.Close()

	client := New(WithRetry(retry.Policy{
		MaxAttempts: 5,
		Backoff:     retry.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}))

	err := client.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("expected connect to succeed after retries, got %v", err)
	}
	defer client.Disconnect(transport.CloseFinal)

	if hits.Load() != 3 {
		t.Errorf("expected 3 handshake attempts, got %d", hits.Load())
	}
}

func TestWebSocketConnectDoesNotRetryVersionMismatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUpgradeRequired)
	}))
	defer srv.Close()

	client := New(WithRetry(retry.Policy{
		MaxAttempts: 5,
		Backoff:     retry.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}))

	err := client.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if transport.KindOf(err) != transport.FaultUnsupportedVersion {
		t.Fatalf("expected unsupported version fault, got %v", err)
	}
	if client.IsConnected() {
		t.Error("failed connect must leave no connection behind")
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}
