package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrEmptyToken = errors.New("empty gateway token")

// fingerprintKey signs token fingerprints. It is random per process, so a
// fingerprint correlates log lines without being usable anywhere else.
var fingerprintKey = func() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("session: no entropy for fingerprint key: " + err.Error())
	}
	return key
}()

// Token is the credential sent in Identify and Resume.
// It never prints itself: String and GoString are redacted, so a Token can
// be passed to a logger or fmt verb without leaking.
type Token struct {
	secret string
}

// NewToken wraps raw. Surrounding whitespace, common in .env files, is trimmed.
func NewToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrEmptyToken
	}
	return Token{secret: raw}, nil
}

// Reveal returns the raw credential. Only payload builders should call it.
func (t Token) Reveal() string {
	return t.secret
}

func (t Token) IsZero() bool {
	return t.secret == ""
}

func (t Token) String() string {
	if t.secret == "" {
		return "<empty>"
	}
	return "<redacted>"
}

func (t Token) GoString() string {
	return "session.Token{" + t.String() + "}"
}

// Fingerprint is hex(HMAC-SHA256(processKey, token)) truncated to 16 chars.
// Two log lines with the same fingerprint used the same token.
func (t Token) Fingerprint() string {
	mac := hmac.New(sha256.New, fingerprintKey)
	mac.Write([]byte(t.secret))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}
