package nodeflow

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
)

// Defaults for graph configuration.
const (
	DefaultCacheSize       = 128
	DefaultDebounce        = 50 * time.Millisecond
	DefaultPersistDebounce = 50 * time.Millisecond
	DefaultMaxDepth        = 8
)

// graphConfig holds configuration shared by a graph and its components.
type graphConfig struct {
	id              string
	logger          *slog.Logger
	store           store.Store
	persist         bool
	resolver        Resolver
	llm             llm.Client
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
	cacheSize       int
	keysInCacheKey  bool
	debounce        time.Duration
	persistDebounce time.Duration
	supersede       bool
	maxDepth        int
	depth           int
}

// defaultGraphConfig returns the default configuration.
func defaultGraphConfig() graphConfig {
	return graphConfig{
		id:              uuid.New().String(),
		logger:          slog.Default(),
		persist:         true,
		metrics:         observability.NoopMetrics{},
		spans:           observability.NoopSpanManager{},
		cacheSize:       DefaultCacheSize,
		keysInCacheKey:  true,
		debounce:        DefaultDebounce,
		persistDebounce: DefaultPersistDebounce,
		maxDepth:        DefaultMaxDepth,
	}
}

// Option configures a Graph.
type Option func(*graphConfig)

// WithGraphID sets the graph id used in logs and spans.
// If not set, a UUID is generated.
func WithGraphID(id string) Option {
	return func(c *graphConfig) {
		if id != "" {
			c.id = id
		}
	}
}

// WithLogger sets the logger. Components receive it enriched with
// graph_id and node_id.
func WithLogger(logger *slog.Logger) Option {
	return func(c *graphConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore sets the store used for persisted port values and workspaces.
// Without a store nothing is loaded or saved.
func WithStore(s store.Store) Option {
	return func(c *graphConfig) {
		c.store = s
	}
}

// WithResolver sets how node kinds are turned into definitions.
func WithResolver(r Resolver) Option {
	return func(c *graphConfig) {
		c.resolver = r
	}
}

// WithLLM sets the model client exposed to processors via Context.LLM.
func WithLLM(client llm.Client) Option {
	return func(c *graphConfig) {
		c.llm = client
	}
}

// WithMetrics enables metrics recording.
//
// Example:
//
//	g := nodeflow.New(nodeflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *graphConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables a span per process call.
func WithTracing(s observability.SpanManager) Option {
	return func(c *graphConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithCacheSize bounds each component's execution cache.
// Default: 128 entries. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(c *graphConfig) {
		if n >= 0 {
			c.cacheSize = n
		}
	}
}

// WithKeysInCacheKey controls whether a fingerprint of a component's keys
// is part of its cache key. Default: true.
//
// With false, cached outputs are reused after a credential change.
func WithKeysInCacheKey(include bool) Option {
	return func(c *graphConfig) {
		c.keysInCacheKey = include
	}
}

// WithDebounce sets how long a port waits for a real value before
// publishing its schema default. Default: 50ms. Zero publishes at once.
func WithDebounce(d time.Duration) Option {
	return func(c *graphConfig) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithPersistDebounce sets how long port writes are coalesced before
// being saved. Default: 50ms. Zero saves synchronously.
func WithPersistDebounce(d time.Duration) Option {
	return func(c *graphConfig) {
		if d >= 0 {
			c.persistDebounce = d
		}
	}
}

// WithSupersede makes a rerun request cancel the in-flight process call.
// The cancelled call's result is discarded. Default: false, in which case
// the stale result is published and immediately followed by the rerun's.
func WithSupersede(enabled bool) Option {
	return func(c *graphConfig) {
		c.supersede = enabled
	}
}

// WithMaxDepth bounds subflow nesting. Default: 8.
func WithMaxDepth(n int) Option {
	return func(c *graphConfig) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}
