// Package metrics exposes gateway engine activity as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so the engine can call it
// unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/risa-org/gateway/payload"
	"github.com/risa-org/gateway/session"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "gateway").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for latencies and waits, in seconds.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "gateway",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors for every engine sharing one registry.
// Each series is labelled with the shard it belongs to.
type Metrics struct {
	state            *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	sequence         *prometheus.CounterVec
	heartbeatLatency *prometheus.HistogramVec
	sent             *prometheus.CounterVec
	rateLimitWait    *prometheus.HistogramVec
}

// New registers the collectors. Registering twice on the same registry
// panics, as promauto does.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "connection_state",
			Help:        "Current connection state of each shard (0 offline .. 7 shutting down)",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "state_transitions_total",
			Help:        "State transitions by target state",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard", "state"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "reconnects_total",
			Help:        "Reconnects by cause",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard", "reason"}),

		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "dispatches_total",
			Help:        "Dispatch payloads forwarded to the caller",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard", "event"}),

		sequence: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "dispatch_sequence_total",
			Help:        "Dispatch sequences by relation to the last one seen (in_order, gap, replay)",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard", "verdict"}),

		heartbeatLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "heartbeat_latency_seconds",
			Help:        "Time between a heartbeat and its ack",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"shard"}),

		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "payloads_sent_total",
			Help:        "Payloads written to the gateway by opcode",
			ConstLabels: cfg.ConstLabels,
		}, []string{"shard", "opcode"}),

		rateLimitWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "rate_limit_wait_seconds",
			Help:        "Time outbound payloads waited for the rate limiter",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"shard", "opcode"}),
	}
}

func shardLabel(shard int) string { return strconv.Itoa(shard) }

func (m *Metrics) SetState(shard int, st session.ConnectionState) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(shardLabel(shard)).Set(float64(st))
	m.transitions.WithLabelValues(shardLabel(shard), st.String()).Inc()
}

func (m *Metrics) Reconnect(shard int, reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(shardLabel(shard), reason).Inc()
}

func (m *Metrics) Dispatch(shard int, event string, verdict session.Verdict) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(shardLabel(shard), event).Inc()
	m.sequence.WithLabelValues(shardLabel(shard), verdict.String()).Inc()
}

func (m *Metrics) HeartbeatLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(shardLabel(shard)).Observe(d.Seconds())
}

// Sent records one payload admitted by the rate limiter after waiting d.
func (m *Metrics) Sent(shard int, op payload.Opcode, waited time.Duration) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(shardLabel(shard), op.String()).Inc()
	m.rateLimitWait.WithLabelValues(shardLabel(shard), op.String()).Observe(waited.Seconds())
}
