package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrNotRunning     = errors.New("gateway: engine is not running")
	ErrAlreadyRunning = errors.New("gateway: engine is already running")
	// ErrStopped is returned to callers whose command was still pending
	// when the engine stopped.
	ErrStopped = errors.New("gateway: engine stopped")
)

// Reasons carried by FatalError.
const (
	ReasonCloseCode         = "close_code"         // remote closed with a code the close table marks fatal
	ReasonProtocolViolation = "protocol_violation" // first payload was not Hello
	ReasonHandshakeRejected = "handshake_rejected" // upgrade refused for a reason retrying cannot fix
	ReasonInvalidIdentity   = "invalid_identity"   // identity failed local validation
)

// FatalError ends the engine. Retrying cannot help: the credentials,
// protocol version or shard configuration must change first.
type FatalError struct {
	Reason string
	Code   int // remote close code, zero unless Reason is ReasonCloseCode
	Err    error
}

func (e *FatalError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway: fatal %s %d: %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway: fatal %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err ended the engine for good.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
