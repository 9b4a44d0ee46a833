package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/session"
	"github.com/risa-org/gateway/transport"
)

var (
	// ErrUnexpectedOpcode means the server's first payload was not Hello.
	// It is a protocol violation and never retried.
	ErrUnexpectedOpcode = errors.New("handshake: first payload was not hello")
	ErrHelloTimeout     = errors.New("handshake: timed out waiting for hello")
	ErrInvalidIdentity  = errors.New("handshake: invalid identity")
)

// Reason constants name why Begin chose Identify or Resume.
// This feeds directly into observability.
const (
	ReasonNoSession = "no_session"
	ReasonResumable = "resumable_session"
)

// Receiver is the part of a transport the Hello wait needs.
type Receiver interface {
	Receive(ctx context.Context) (payload.Payload, error)
}

// AwaitHello reads the first payload of a new connection and requires it
// to be Hello. timeout bounds the wait separately from the heartbeat
// schedule, which is not known until Hello arrives.
func AwaitHello(ctx context.Context, r Receiver, codec payload.Codec, timeout time.Duration) (payload.Hello, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := r.Receive(hctx)
	if err != nil {
		// only our own deadline is a timeout; a cancelled parent is a stop
		if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return payload.Hello{}, &transport.Error{Op: "hello", Kind: transport.FaultTimeout, Err: ErrHelloTimeout}
		}
		return payload.Hello{}, err
	}

	if p.Op != payload.OpHello {
		return payload.Hello{}, fmt.Errorf("%w: got %s", ErrUnexpectedOpcode, p.Op)
	}

	in, err := payload.Decode(codec, p)
	if err != nil {
		return payload.Hello{}, fmt.Errorf("%w: %w", ErrUnexpectedOpcode, err)
	}
	return in.(payload.Hello), nil
}

// Identity is what the engine tells the gateway about itself. Every field
// is passed through to the server as configured and never interpreted.
type Identity struct {
	Token          session.Token
	Intents        uint64
	ShardID        int
	ShardCount     int // 0 means unsharded
	Properties     payload.Properties
	Compress       bool
	LargeThreshold int
	Presence       json.RawMessage
}

// Validate checks the parts of the identity the server would reject with a
// fatal close, so the mistake surfaces before any connection is made.
func (id Identity) Validate() error {
	if id.Token.IsZero() {
		return fmt.Errorf("%w: token is empty", ErrInvalidIdentity)
	}
	if id.ShardCount < 0 || id.ShardID < 0 {
		return fmt.Errorf("%w: negative shard", ErrInvalidIdentity)
	}
	if id.ShardCount > 0 && id.ShardID >= id.ShardCount {
		return fmt.Errorf("%w: shard %d out of range for count %d", ErrInvalidIdentity, id.ShardID, id.ShardCount)
	}
	if id.ShardCount == 0 && id.ShardID != 0 {
		return fmt.Errorf("%w: shard id %d without a shard count", ErrInvalidIdentity, id.ShardID)
	}
	return nil
}

// Identify builds the Identify payload for this identity.
func (id Identity) Identify() payload.Identify {
	out := payload.Identify{
		Token:          id.Token.Reveal(),
		Properties:     id.Properties,
		Compress:       id.Compress,
		LargeThreshold: id.LargeThreshold,
		Presence:       id.Presence,
		Intents:        id.Intents,
	}
	if id.ShardCount > 0 {
		out.Shard = &[2]int{id.ShardID, id.ShardCount}
	}
	return out
}

// Plan is what the engine sends after Hello and the state it enters.
type Plan struct {
	State   session.ConnectionState // Identifying or Resuming
	Payload payload.Outbound
	Reason  string
}

// Begin decides between a fresh Identify and a Resume.
//
// Steps:
//  1. No session id, nothing to resume: Identify
//  2. Otherwise Resume with the session id and the newest sequence seen
func Begin(id Identity, st session.State) Plan {
	// step 1: fresh session
	if !st.Resumable() {
		return Plan{State: session.Identifying, Payload: id.Identify(), Reason: ReasonNoSession}
	}

	// step 2: the server replays everything after Sequence
	return Plan{
		State: session.Resuming,
		Payload: payload.Resume{
			Token:     id.Token.Reveal(),
			SessionID: st.ID,
			Seq:       st.Sequence,
		},
		Reason: ReasonResumable,
	}
}
