// Package discovery asks the REST API where the gateway lives and how many
// shards and session starts the bot may use.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/risa-org/gateway/session"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "DiscordBot (https://github.com/risa-org/gateway, 1.0)"
)

// ErrUnauthorized means the token was rejected. Retrying will not help.
var ErrUnauthorized = errors.New("discovery: token rejected")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusError is a non-200 answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discovery: unexpected status %d: %s", e.Code, e.Body)
}

// SessionStartLimit is how many Identify calls remain before the limit
// resets, and how many may run at once.
type SessionStartLimit struct {
	Total          int
	Remaining      int
	ResetAfter     time.Duration
	MaxConcurrency int
}

// Exhausted reports whether no session start is left in this period.
func (l SessionStartLimit) Exhausted() bool {
	return l.Remaining <= 0
}

// GatewayBot is the answer of GET /gateway/bot.
type GatewayBot struct {
	URL               string
	Shards            int
	SessionStartLimit SessionStartLimit
}

type gatewayBotBody struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int   `json:"total"`
		Remaining      int   `json:"remaining"`
		ResetAfter     int64 `json:"reset_after"` // milliseconds
		MaxConcurrency int   `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// Client is a minimal REST client for gateway discovery.
type Client struct {
	http      *fasthttp.Client
	apiURL    string
	token     session.Token
	timeout   time.Duration
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(c *fasthttp.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds a request when the context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

func New(apiURL string, token session.Token, opts ...Option) *Client {
	c := &Client{
		http:      &fasthttp.Client{},
		apiURL:    strings.TrimRight(apiURL, "/"),
		token:     token,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GatewayBot fetches the gateway URL, the recommended shard count and the
// session start limit.
func (c *Client) GatewayBot(ctx context.Context) (GatewayBot, error) {
	if err := ctx.Err(); err != nil {
		return GatewayBot{}, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.apiURL + "/gateway/bot")
	req.Header.Set("Authorization", "Bot "+c.token.Reveal())
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	deadline, fromCtx := ctx.Deadline()
	if !fromCtx {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctx.Err() != nil {
			return GatewayBot{}, ctx.Err()
		}
		if fromCtx && errors.Is(err, fasthttp.ErrTimeout) {
			return GatewayBot{}, fmt.Errorf("discovery: %w", context.DeadlineExceeded)
		}
		return GatewayBot{}, fmt.Errorf("discovery: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized:
		return GatewayBot{}, fmt.Errorf("%w: %w", ErrUnauthorized, &StatusError{Code: code, Body: string(resp.Body())})
	case code != fasthttp.StatusOK:
		return GatewayBot{}, &StatusError{Code: code, Body: string(resp.Body())}
	}

	var body gatewayBotBody
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return GatewayBot{}, fmt.Errorf("discovery: decode: %w", err)
	}
	if body.URL == "" {
		return GatewayBot{}, errors.New("discovery: answer without url")
	}

	limit := body.SessionStartLimit
	return GatewayBot{
		URL:    body.URL,
		Shards: max(body.Shards, 1),
		SessionStartLimit: SessionStartLimit{
			Total:          limit.Total,
			Remaining:      limit.Remaining,
			ResetAfter:     time.Duration(limit.ResetAfter) * time.Millisecond,
			MaxConcurrency: max(limit.MaxConcurrency, 1),
		},
	}, nil
}
