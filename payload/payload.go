package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Dispatch event names the engine itself cares about.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

var (
	// ErrNotCommand is returned when a caller tries to send an opcode
	// that only the engine is allowed to send.
	ErrNotCommand = errors.New("opcode is not a caller command")

	// ErrBadHello is returned when a Hello carries no usable interval.
	ErrBadHello = errors.New("hello without heartbeat interval")
)

// Payload is the wire envelope. Seq and Event are only set on dispatches.
// Data is left undecoded until Decode picks the variant for the opcode.
type Payload struct {
	Op    Opcode          `json:"op"`
	Data  json.RawMessage `json:"d"`
	Seq   int64           `json:"s,omitempty"`
	Event string          `json:"t,omitempty"`
}

// -------------------------------------------------------
// inbound variants
// -------------------------------------------------------

// Inbound is a decoded server payload. Exactly one concrete type exists
// per opcode, each holding only the fields that opcode carries.
type Inbound interface {
	Opcode() Opcode
}

type Hello struct {
	HeartbeatInterval time.Duration
}

type HeartbeatAck struct{}

// HeartbeatRequest is the server asking for an immediate heartbeat.
type HeartbeatRequest struct{}

type Reconnect struct{}

type InvalidSession struct {
	Resumable bool
}

// Dispatch is one application event. Data is opaque to the engine.
type Dispatch struct {
	Seq  int64
	Name string
	Data json.RawMessage
}

// Unknown carries opcodes this client does not understand.
// They are logged and dropped, never treated as fatal.
type Unknown struct {
	Op   Opcode
	Data json.RawMessage
}

func (Hello) Opcode() Opcode            { return OpHello }
func (HeartbeatAck) Opcode() Opcode     { return OpHeartbeatAck }
func (HeartbeatRequest) Opcode() Opcode { return OpHeartbeat }
func (Reconnect) Opcode() Opcode        { return OpReconnect }
func (InvalidSession) Opcode() Opcode   { return OpInvalidSession }
func (Dispatch) Opcode() Opcode         { return OpDispatch }
func (u Unknown) Opcode() Opcode        { return u.Op }

// Ready is the body of the READY dispatch.
type Ready struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
	ResumeURL string `json:"resume_gateway_url"`
	Shard     []int  `json:"shard,omitempty"`
}

type helloBody struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Decode picks the inbound variant for p.Op and decodes only what it needs.
func Decode(c Codec, p Payload) (Inbound, error) {
	switch p.Op {
	case OpHello:
		var body helloBody
		if err := c.Unmarshal(p.Data, &body); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
		if body.HeartbeatInterval <= 0 {
			return nil, ErrBadHello
		}
		return Hello{HeartbeatInterval: time.Duration(body.HeartbeatInterval) * time.Millisecond}, nil

	case OpHeartbeatAck:
		return HeartbeatAck{}, nil

	case OpHeartbeat:
		return HeartbeatRequest{}, nil

	case OpReconnect:
		return Reconnect{}, nil

	case OpInvalidSession:
		var resumable bool
		if len(p.Data) > 0 {
			if err := c.Unmarshal(p.Data, &resumable); err != nil {
				return nil, fmt.Errorf("decode invalid session: %w", err)
			}
		}
		return InvalidSession{Resumable: resumable}, nil

	case OpDispatch:
		return Dispatch{Seq: p.Seq, Name: p.Event, Data: p.Data}, nil
	}

	return Unknown{Op: p.Op, Data: p.Data}, nil
}

// DecodeReady reads the session fields out of a READY body.
func DecodeReady(c Codec, data json.RawMessage) (Ready, error) {
	var r Ready
	if err := c.Unmarshal(data, &r); err != nil {
		return Ready{}, fmt.Errorf("decode ready: %w", err)
	}
	if r.SessionID == "" {
		return Ready{}, errors.New("decode ready: missing session_id")
	}
	return r, nil
}

// -------------------------------------------------------
// outbound variants
// -------------------------------------------------------

// Outbound is anything the client can put on the wire.
type Outbound interface {
	Opcode() Opcode
}

// Properties describe the connecting client. Passed through untouched.
type Properties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token          string          `json:"token"`
	Properties     Properties      `json:"properties"`
	Compress       bool            `json:"compress,omitempty"`
	LargeThreshold int             `json:"large_threshold,omitempty"`
	Shard          *[2]int         `json:"shard,omitempty"`
	Presence       json.RawMessage `json:"presence,omitempty"`
	Intents        uint64          `json:"intents"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Heartbeat carries the last sequence seen, or null before the first dispatch.
type Heartbeat struct {
	Seq int64
}

// Command is a caller-issued payload such as a presence or voice update.
type Command struct {
	Op   Opcode
	Data json.RawMessage
}

func (Identify) Opcode() Opcode  { return OpIdentify }
func (Resume) Opcode() Opcode    { return OpResume }
func (Heartbeat) Opcode() Opcode { return OpHeartbeat }
func (c Command) Opcode() Opcode { return c.Op }

var null = json.RawMessage("null")

// Encode wraps an outbound variant in the envelope.
func Encode(c Codec, o Outbound) (Payload, error) {
	switch v := o.(type) {
	case Heartbeat:
		if v.Seq <= 0 {
			return Payload{Op: OpHeartbeat, Data: null}, nil
		}
		return Payload{Op: OpHeartbeat, Data: json.RawMessage(strconv.FormatInt(v.Seq, 10))}, nil

	case Command:
		if !v.Op.IsCommand() {
			return Payload{}, fmt.Errorf("%w: %s", ErrNotCommand, v.Op)
		}
		data := v.Data
		if len(data) == 0 {
			data = null
		}
		return Payload{Op: v.Op, Data: data}, nil
	}

	data, err := c.Marshal(o)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s: %w", o.Opcode(), err)
	}
	return Payload{Op: o.Opcode(), Data: data}, nil
}
