package gateway

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/risa-org/gateway/handshake"
	"github.com/risa-org/gateway/retry"
)

// Config is everything one shard's engine needs to run.
type Config struct {
	Identity handshake.Identity

	// URL is the base gateway endpoint used for Identify.
	URL      string
	Version  int    // sent as the v query parameter
	Encoding string // sent as the encoding query parameter

	ConnectTimeout  time.Duration // bounds one Connect, retries included
	HelloTimeout    time.Duration // bounds the wait for the first payload
	ShutdownTimeout time.Duration // bounds tearing down one connection

	// ConnectRetry is handed to the default transport. It retries
	// transient dial faults before they count as a failed connection.
	ConnectRetry retry.Policy

	// Backoff spaces reconnect attempts. It restarts from Initial every
	// time a connection reaches Connected.
	Backoff retry.Backoff
	// MaxReconnectAttempts stops the engine after this many consecutive
	// attempts that never reached Connected. Zero retries forever.
	MaxReconnectAttempts int
}

// DefaultConfig returns a Config with protocol defaults. Identity and URL
// must still be set.
func DefaultConfig() Config {
	return Config{
		Version:         10,
		Encoding:        "json",
		ConnectTimeout:  30 * time.Second,
		HelloTimeout:    20 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ConnectRetry:    retry.DefaultConnectPolicy(),
		Backoff:         retry.DefaultBackoff(),
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("gateway: url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("gateway: bad url: %w", err)
	}
	if c.ConnectTimeout <= 0 || c.HelloTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("gateway: timeouts must be positive")
	}
	return c.Identity.Validate()
}

// endpoint appends the protocol query to base.
func (c Config) endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.Version > 0 {
		q.Set("v", strconv.Itoa(c.Version))
	}
	if c.Encoding != "" {
		q.Set("encoding", c.Encoding)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
