// Package config loads the settings of a gateway process from defaults, an
// optional TOML file, .env files and the environment, in that order of
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/risa-org/gateway/gateway"
	"github.com/risa-org/gateway/handshake"
	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/retry"
	"github.com/risa-org/gateway/session"
)

// EnvPrefix is the prefix of every environment variable read by Load.
// GATEWAY_CONN_URL sets conn.url; a double underscore keeps a literal one,
// so GATEWAY_CONN_HELLO__TIMEOUT sets conn.hello_timeout.
const EnvPrefix = "GATEWAY_"

// Store kinds.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config is the complete process configuration.
type Config struct {
	Token     string          `koanf:"token"`
	Conn      ConnConfig      `koanf:"conn"`
	Shard     ShardConfig     `koanf:"shard"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Store     StoreConfig     `koanf:"store"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ConnConfig describes the gateway endpoint and the handshake.
type ConnConfig struct {
	// URL is the gateway websocket URL. Empty means ask the API for it.
	URL            string `koanf:"url"`
	APIURL         string `koanf:"api_url"`
	Version        int    `koanf:"version"`
	Encoding       string `koanf:"encoding"`
	Compress       bool   `koanf:"compress"`
	Intents        uint64 `koanf:"intents"`
	LargeThreshold int    `koanf:"large_threshold"`

	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	HelloTimeout    time.Duration `koanf:"hello_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type ShardConfig struct {
	ID    int `koanf:"id"`
	Count int `koanf:"count"` // 0 means unsharded
}

type ReconnectConfig struct {
	Initial     time.Duration `koanf:"initial"`
	Max         time.Duration `koanf:"max"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      float64       `koanf:"jitter"`
	MaxAttempts int           `koanf:"max_attempts"` // 0 retries forever

	// Dial retries transient faults within one connection attempt.
	DialAttempts int           `koanf:"dial_attempts"`
	DialInitial  time.Duration `koanf:"dial_initial"`
	DialMax      time.Duration `koanf:"dial_max"`
}

type RateLimitConfig struct {
	Capacity int           `koanf:"capacity"`
	Window   time.Duration `koanf:"window"`
	// Reserved tokens per window only heartbeats may spend.
	Reserved int `koanf:"reserved"`

	IdentifyConcurrency int           `koanf:"identify_concurrency"`
	IdentifyInterval    time.Duration `koanf:"identify_interval"`
}

type StoreConfig struct {
	Kind        string        `koanf:"kind"`
	Path        string        `koanf:"path"`
	RedisAddr   string        `koanf:"redis_addr"`
	RedisDB     int           `koanf:"redis_db"`
	RedisPrefix string        `koanf:"redis_prefix"`
	TTL         time.Duration `koanf:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. With no paths it loads ./.env.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
//
// Duration fields accept Go duration strings ("10s", "5m").
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps GATEWAY_RATE__LIMIT_WINDOW to rate_limit.window.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func defaultConfig() *Config {
	backoff := retry.DefaultBackoff()
	dial := retry.DefaultConnectPolicy()
	return &Config{
		Conn: ConnConfig{
			APIURL:          "https://discord.com/api/v10",
			Version:         10,
			Encoding:        "json",
			LargeThreshold:  50,
			ConnectTimeout:  30 * time.Second,
			HelloTimeout:    20 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Initial:    backoff.Initial,
			Max:        backoff.Max,
			Multiplier: backoff.Multiplier,
			Jitter:     backoff.Jitter,

			DialAttempts: dial.MaxAttempts,
			DialInitial:  dial.Backoff.Initial,
			DialMax:      dial.Backoff.Max,
		},
		RateLimit: RateLimitConfig{
			Capacity:            120,
			Window:              time.Minute,
			Reserved:            3,
			IdentifyConcurrency: 1,
			IdentifyInterval:    5 * time.Second,
		},
		Store: StoreConfig{
			Kind:        StoreMemory,
			RedisPrefix: "gateway:session:",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token is required (set %sTOKEN)", EnvPrefix)
	}

	if c.Conn.URL != "" {
		u, err := url.Parse(c.Conn.URL)
		if err != nil {
			return fmt.Errorf("invalid conn.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("conn.url must be ws:// or wss://, got: %s", c.Conn.URL)
		}
	} else if c.Conn.APIURL == "" {
		return fmt.Errorf("conn.api_url is required when conn.url is empty")
	}
	if c.Conn.Version <= 0 {
		return fmt.Errorf("invalid conn.version: %d", c.Conn.Version)
	}
	if c.Conn.Encoding != "json" {
		return fmt.Errorf("conn.encoding must be 'json', got: %s", c.Conn.Encoding)
	}
	if c.Conn.ConnectTimeout <= 0 || c.Conn.HelloTimeout <= 0 || c.Conn.ShutdownTimeout <= 0 {
		return fmt.Errorf("conn timeouts must be positive")
	}

	if c.Shard.ID < 0 || c.Shard.Count < 0 {
		return fmt.Errorf("shard.id and shard.count cannot be negative")
	}
	if c.Shard.Count > 0 && c.Shard.ID >= c.Shard.Count {
		return fmt.Errorf("shard.id %d out of range for shard.count %d", c.Shard.ID, c.Shard.Count)
	}

	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("reconnect.initial must be positive and not above reconnect.max")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1, got: %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0, 1], got: %v", c.Reconnect.Jitter)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("invalid reconnect.max_attempts: %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.DialAttempts < 1 {
		return fmt.Errorf("reconnect.dial_attempts must be at least 1, got: %d", c.Reconnect.DialAttempts)
	}
	if c.Reconnect.DialInitial <= 0 || c.Reconnect.DialMax < c.Reconnect.DialInitial {
		return fmt.Errorf("reconnect.dial_initial must be positive and not above reconnect.dial_max")
	}

	if c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.capacity and rate_limit.window must be positive")
	}
	if c.RateLimit.Reserved < 0 || c.RateLimit.Reserved >= c.RateLimit.Capacity {
		return fmt.Errorf("rate_limit.reserved must be within [0, capacity), got: %d", c.RateLimit.Reserved)
	}
	if c.RateLimit.IdentifyConcurrency <= 0 || c.RateLimit.IdentifyInterval <= 0 {
		return fmt.Errorf("rate_limit identify settings must be positive")
	}

	switch c.Store.Kind {
	case StoreNone, StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when store.kind is 'file'")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required when store.kind is 'redis'")
		}
	default:
		return fmt.Errorf("store.kind must be none, memory, file or redis, got: %s", c.Store.Kind)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got: %s", c.Logging.Format)
	}
	return nil
}

// Identity builds the handshake identity from the token and shard settings.
func (c *Config) Identity() (handshake.Identity, error) {
	tok, err := session.NewToken(c.Token)
	if err != nil {
		return handshake.Identity{}, err
	}
	return handshake.Identity{
		Token:          tok,
		Intents:        c.Conn.Intents,
		ShardID:        c.Shard.ID,
		ShardCount:     c.Shard.Count,
		Properties:     payload.Properties{OS: "linux", Browser: "risa-gateway", Device: "risa-gateway"},
		Compress:       c.Conn.Compress,
		LargeThreshold: c.Conn.LargeThreshold,
	}, nil
}

// Gateway converts the configuration into an engine Config. gatewayURL
// overrides conn.url when not empty, e.g. with a URL from discovery.
func (c *Config) Gateway(gatewayURL string) (gateway.Config, error) {
	id, err := c.Identity()
	if err != nil {
		return gateway.Config{}, err
	}
	if gatewayURL == "" {
		gatewayURL = c.Conn.URL
	}

	out := gateway.DefaultConfig()
	out.Identity = id
	out.URL = gatewayURL
	out.Version = c.Conn.Version
	out.Encoding = c.Conn.Encoding
	out.ConnectTimeout = c.Conn.ConnectTimeout
	out.HelloTimeout = c.Conn.HelloTimeout
	out.ShutdownTimeout = c.Conn.ShutdownTimeout
	out.Backoff = retry.Backoff{
		Initial:    c.Reconnect.Initial,
		Max:        c.Reconnect.Max,
		Multiplier: c.Reconnect.Multiplier,
		Jitter:     c.Reconnect.Jitter,
	}
	out.MaxReconnectAttempts = c.Reconnect.MaxAttempts
	out.ConnectRetry = retry.Policy{
		MaxAttempts: c.Reconnect.DialAttempts,
		Backoff: retry.Backoff{
			Initial:    c.Reconnect.DialInitial,
			Max:        c.Reconnect.DialMax,
			Multiplier: c.Reconnect.Multiplier,
			Jitter:     c.Reconnect.Jitter,
		},
	}
	return out, nil
}

// Logger builds the process logger.
func (c LoggingConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
