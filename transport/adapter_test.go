package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"github.com/risa-org/gateway/payload"
)

// TestEncodeRejectsOversizedPayload checks the size cap is enforced
// before anything could be written.
func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := `"` + strings.Repeat("x", MaxPayloadSize) + `"`
	p := payload.Payload{Op: payload.OpStatusUpdate, Data: json.RawMessage(big)}

	_, err := Encode(payload.JSON, p)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if KindOf(err) != FaultPayloadTooLarge {
		t.Errorf("expected FaultPayloadTooLarge, got %v", KindOf(err))
	}
	if Retryable(err) {
		t.Error("oversized payload must not be retryable")
	}
}

func TestEncodeAcceptsPayloadAtCap(t *testing.T) {
	// {"op":3,"d":...} adds 13 bytes of envelope around the body
	body := `"` + strings.Repeat("x", MaxPayloadSize-16) + `"`
	p := payload.Payload{Op: payload.OpStatusUpdate, Data: json.RawMessage(body)}

	data, err := Encode(payload.JSON, p)
	if err != nil {
		t.Fatalf("expected payload at cap to encode, got %v", err)
	}
	if len(data) > MaxPayloadSize {
		t.Errorf("encoded %d bytes, cap is %d", len(data), MaxPayloadSize)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(payload.JSON, []byte("{nope"), false)
	if KindOf(err) != FaultMalformed {
		t.Errorf("expected FaultMalformed, got %v", err)
	}

	_, err = Decode(payload.JSON, []byte("not zlib"), true)
	if KindOf(err) != FaultMalformed {
		t.Errorf("expected FaultMalformed for bad binary frame, got %v", err)
	}
}

// TestCloseIntentCodes checks the two intents never share a code.
// A reconnect that closes with 1000 would let the server drop the session.
func TestCloseIntentCodes(t *testing.T) {
	if CloseFinal.Code() == CloseReconnect.Code() {
		t.Fatal("final and reconnect intents must use different close codes")
	}
	if CloseReconnect.Code() == CodeNormalClosure || CloseReconnect.Code() == CodeGoingAway {
		t.Errorf("reconnect intent must not use a clean close code, got %d", CloseReconnect.Code())
	}
	if CloseFinal.Code() != CodeNormalClosure {
		t.Errorf("expected final intent to use %d, got %d", CodeNormalClosure, CloseFinal.Code())
	}
}

func TestRetryablePredicate(t *testing.T) {
	cases := []struct {
		kind FaultKind
		want bool
	}{
		{FaultConnectionLost, true},
		{FaultHandshakeHeader, true},
		{FaultServerError, true},
		{FaultTimeout, true},
		{FaultUnsupportedVersion, false},
		{FaultBadHandshake, false},
		{FaultRemoteClose, false},
		{FaultPayloadTooLarge, false},
		{FaultUnknown, false},
	}
	for _, c := range cases {
		err := fmt.Errorf("wrapped: %w", &Error{Op: "connect", Kind: c.kind, Err: io.EOF})
		if got := Retryable(err); got != c.want {
			t.Errorf("Retryable(%v) = %v, want %v", c.kind, got, c.want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Error("errors without a fault kind must not be retryable")
	}
}

func TestClassifyNetwork(t *testing.T) {
	cases := map[error]FaultKind{
		io.EOF:                   FaultConnectionLost,
		syscall.ECONNRESET:       FaultConnectionLost,
		context.DeadlineExceeded: FaultTimeout,
		errors.New("mystery"):    FaultUnknown,
	}
	for err, want := range cases {
		if got := ClassifyNetwork(err); got != want {
			t.Errorf("ClassifyNetwork(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestClassifyHandshake(t *testing.T) {
	cases := map[int]FaultKind{
		http.StatusBadGateway:         FaultServerError,
		http.StatusServiceUnavailable: FaultServerError,
		http.StatusUpgradeRequired:    FaultUnsupportedVersion,
		http.StatusBadRequest:         FaultUnsupportedVersion,
		http.StatusSwitchingProtocols: FaultHandshakeHeader,
		http.StatusForbidden:          FaultBadHandshake,
	}
	for status, want := range cases {
		got := ClassifyHandshake(&http.Response{StatusCode: status}, errors.New("x"))
		if got != want {
			t.Errorf("status %d: got %v, want %v", status, got, want)
		}
	}
	if got := ClassifyHandshake(nil, io.ErrUnexpectedEOF); got != FaultConnectionLost {
		t.Errorf("nil response: got %v, want connection_lost", got)
	}
}

func TestCloseCodeExtraction(t *testing.T) {
	err := fmt.Errorf("receive: %w", &Error{Op: "receive", Kind: FaultRemoteClose, Code: 4004, Err: io.EOF})
	code, ok := CloseCode(err)
	if !ok || code != 4004 {
		t.Fatalf("expected close code 4004, got %d (%v)", code, ok)
	}

	if _, ok := CloseCode(&Error{Kind: FaultTimeout}); ok {
		t.Error("non-close faults must not report a close code")
	}
}

func TestCloseTable(t *testing.T) {
	if DefaultCloseTable.Lookup(4004) != ActionFatal {
		t.Error("authentication failure must be fatal")
	}
	if DefaultCloseTable.Lookup(4009) != ActionReidentify {
		t.Error("session timeout must force a new session")
	}
	if DefaultCloseTable.Lookup(1006) != ActionResume {
		t.Error("unlisted codes must resume")
	}

	custom := DefaultCloseTable.Merge(map[int]CloseAction{4008: ActionFatal})
	if custom.Lookup(4008) != ActionFatal {
		t.Error("override not applied")
	}
	if DefaultCloseTable.Lookup(4008) != ActionResume {
		t.Error("Merge must not modify the receiver")
	}
}
