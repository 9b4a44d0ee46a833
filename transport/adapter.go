package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/risa-org/gateway/payload"
)

// MaxPayloadSize is the hard cap on one outbound message, in bytes.
// Anything larger is rejected before it touches the connection.
const MaxPayloadSize = 4096

// Named errors let callers check the exact cause with errors.Is()
// instead of comparing strings.
var (
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrNotConnected     = errors.New("transport not connected")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrClosed           = errors.New("transport closed")
)

// CloseIntent tells the server why we are hanging up.
// The two intents must map to different close codes: a normal closure
// lets the server purge the session, which would make a resume impossible.
type CloseIntent int

const (
	CloseFinal     CloseIntent = iota // done for good, session may be discarded
	CloseReconnect                    // coming straight back, keep the session
)

// Close codes sent for each intent.
const (
	CodeNormalClosure  = 1000
	CodeGoingAway      = 1001
	CodeServiceRestart = 1012
)

// Code returns the close code sent for the intent.
func (i CloseIntent) Code() int {
	if i == CloseReconnect {
		return CodeServiceRestart
	}
	return CodeNormalClosure
}

func (i CloseIntent) String() string {
	if i == CloseReconnect {
		return "reconnect"
	}
	return "final"
}

// Adapter is the contract every transport must satisfy.
// The engine only ever talks to this interface. It never imports
// a websocket library directly, so backends stay swappable.
//
// One Adapter owns at most one physical connection. The engine builds a
// fresh Adapter for every connection attempt instead of reusing one.
type Adapter interface {
	// Connect dials endpoint. Fails with ErrAlreadyConnected if a
	// connection exists. On failure nothing is left open.
	Connect(ctx context.Context, endpoint string) error

	// Send serializes p and writes it as one message. Oversized payloads
	// fail with ErrPayloadTooLarge without any I/O.
	// Safe to call concurrently with Receive and with other Sends.
	Send(ctx context.Context, p payload.Payload) error

	// Receive blocks until one payload arrives. When the remote closes
	// the stream with a status code the error carries that code.
	Receive(ctx context.Context) (payload.Payload, error)

	// Disconnect closes the connection with the close code for intent.
	// Safe to call multiple times, subsequent calls are no-ops.
	Disconnect(intent CloseIntent) error

	// IsConnected reports whether a physical connection is open.
	IsConnected() bool
}

// Factory builds a fresh, unconnected Adapter.
type Factory func() Adapter

// Encode serializes p and enforces MaxPayloadSize. Every adapter calls
// this before writing, which makes the size check a pure precondition.
func Encode(c payload.Codec, p payload.Payload) ([]byte, error) {
	data, err := c.Marshal(p)
	if err != nil {
		return nil, &Error{Op: "send", Kind: FaultUnknown, Err: fmt.Errorf("marshal %s: %w", p.Op, err)}
	}
	if len(data) > MaxPayloadSize {
		return nil, &Error{
			Op:   "send",
			Kind: FaultPayloadTooLarge,
			Err:  fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(data), MaxPayloadSize),
		}
	}
	return data, nil
}

// Decode turns one received message into a payload. Binary messages are
// zlib-compressed and inflated first.
func Decode(c payload.Codec, data []byte, binary bool) (payload.Payload, error) {
	if binary {
		inflated, err := payload.Inflate(data)
		if err != nil {
			return payload.Payload{}, &Error{Op: "receive", Kind: FaultMalformed, Err: fmt.Errorf("inflate: %w", err)}
		}
		data = inflated
	}

	var p payload.Payload
	if err := c.Unmarshal(data, &p); err != nil {
		return payload.Payload{}, &Error{Op: "receive", Kind: FaultMalformed, Err: fmt.Errorf("unmarshal: %w", err)}
	}
	return p, nil
}
