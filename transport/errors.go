package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// FaultKind is the closed set of transport failure classes.
// Retry decisions are made over this enum, never over concrete
// library error types.
type FaultKind int

const (
	FaultUnknown            FaultKind = iota // unclassified, not retried
	FaultConnectionLost                      // socket reset, EOF, refused
	FaultHandshakeHeader                     // upgrade response with broken headers
	FaultServerError                         // 5xx during the handshake
	FaultTimeout                             // deadline hit on dial/read/write
	FaultUnsupportedVersion                  // server rejected the protocol version
	FaultBadHandshake                        // any other rejected upgrade
	FaultRemoteClose                         // remote closed with a status code
	FaultMalformed                           // received bytes did not decode
	FaultPayloadTooLarge                     // local precondition, no I/O happened
	FaultAlreadyConnected                    // local precondition
	FaultNotConnected                        // local precondition
	FaultClosed                              // closed locally
)

var faultNames = [...]string{
	"unknown", "connection_lost", "handshake_header", "server_error", "timeout",
	"unsupported_version", "bad_handshake", "remote_close", "malformed",
	"payload_too_large", "already_connected", "not_connected", "closed",
}

func (k FaultKind) String() string {
	if int(k) >= 0 && int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Error is what adapters return. Code is the remote close code when
// Kind is FaultRemoteClose and zero otherwise.
type Error struct {
	Op   string
	Kind FaultKind
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (close code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the fault kind from err, FaultUnknown if none.
func KindOf(err error) FaultKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return FaultUnknown
}

// CloseCode returns the remote close code carried by err, if any.
func CloseCode(err error) (int, bool) {
	var te *Error
	if errors.As(err, &te) && te.Kind == FaultRemoteClose {
		return te.Code, true
	}
	return 0, false
}

// Retryable is the default retry predicate. Only faults that can clear up
// on their own are worth another attempt. Version or handshake rejections
// will fail the same way every time.
func Retryable(err error) bool {
	switch KindOf(err) {
	case FaultConnectionLost, FaultHandshakeHeader, FaultServerError, FaultTimeout:
		return true
	}
	return false
}

// ClassifyNetwork maps a raw I/O error to a fault kind.
func ClassifyNetwork(err error) FaultKind {
	if err == nil {
		return FaultUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FaultTimeout
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return FaultConnectionLost
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return FaultConnectionLost
	}
	return FaultUnknown
}

// ClassifyHandshake maps a failed upgrade to a fault kind. resp may be nil
// when the failure happened before any response arrived.
func ClassifyHandshake(resp *http.Response, err error) FaultKind {
	if resp == nil {
		return ClassifyNetwork(err)
	}
	switch code := resp.StatusCode; {
	case code >= 500:
		return FaultServerError
	case code == http.StatusUpgradeRequired, code == http.StatusBadRequest:
		return FaultUnsupportedVersion
	case code == http.StatusSwitchingProtocols:
		// upgrade accepted but the headers did not validate
		return FaultHandshakeHeader
	}
	return FaultBadHandshake
}
