package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/config"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/nodes"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/observability"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/plugin"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/store"
)

// runtime bundles everything a command builds from settings.
type runtime struct {
	settings config.Settings
	logger   *slog.Logger
	store    store.Store
	llm      llm.Client
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	plugins  *plugin.Registry
	server   *http.Server
}

func loadSettings(path string) (config.Settings, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func newRuntime(s config.Settings) (*runtime, error) {
	rt := &runtime{
		settings: s,
		logger:   newLogger(s.Log, os.Stderr),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}

	st, err := openStore(s.Store)
	if err != nil {
		return nil, err
	}
	rt.store = st

	if s.Metrics.Addr != "" {
		provider, handler, err := observability.NewPrometheusProvider()
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		rt.metrics = observability.NewMetricsRecorderFrom(provider)
		rt.spans = observability.NewSpanManager()
		rt.server = serveMetrics(s.Metrics.Addr, handler, rt.logger)
	}

	rt.llm, err = newLLM(s.LLM)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	allow := s.Plugins.Allow
	if len(allow) == 0 {
		allow = plugin.DefaultImports
	}
	rt.plugins, err = plugin.New(
		plugin.WithStore(st),
		plugin.WithLoader(plugin.NewGoLoader(allow...)),
		plugin.WithLogger(rt.logger),
		plugin.WithMetrics(rt.metrics),
		plugin.WithTracing(rt.spans),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// graph builds a graph resolving built-in kinds first, then plugin refs.
func (rt *runtime) graph(opts ...nodeflow.Option) *nodeflow.Graph {
	s := rt.settings
	base := []nodeflow.Option{
		nodeflow.WithLogger(rt.logger),
		nodeflow.WithStore(rt.store),
		nodeflow.WithResolver(nodes.Resolver(rt.plugins.Resolver())),
		nodeflow.WithMetrics(rt.metrics),
		nodeflow.WithTracing(rt.spans),
		nodeflow.WithCacheSize(*s.Cache.Size),
		nodeflow.WithKeysInCacheKey(*s.Cache.IncludeKeys),
		nodeflow.WithDebounce(*s.Ports.Debounce),
		nodeflow.WithMaxDepth(s.Subflow.MaxDepth),
	}
	if rt.llm != nil {
		base = append(base, nodeflow.WithLLM(rt.llm))
	}
	return nodeflow.New(append(base, opts...)...)
}

// Close releases the registry, the metrics server and the store.
func (rt *runtime) Close() error {
	var result *multierror.Error
	if rt.plugins != nil {
		rt.plugins.Close()
	}
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rt.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func newLogger(s config.LogSettings, w io.Writer) *slog.Logger {
	var level slog.Level
	switch s.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(s config.StoreSettings) (store.Store, error) {
	switch s.Backend {
	case "sqlite":
		st, err := store.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "badger":
		st, err := store.NewBadgerStore(store.DefaultBadgerConfig(s.Path))
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// newLLM returns nil when the openai provider has no key configured; LLM
// nodes then fail with nodes.ErrNoClient instead of the whole run.
func newLLM(s config.LLMSettings) (llm.Client, error) {
	switch s.Provider {
	case "mock":
		return llm.NewMockClient(s.MockResponse), nil
	case "openai":
		key := os.Getenv(s.APIKeyEnv)
		if key == "" && s.BaseURL == "" {
			return nil, nil
		}
		opts := []llm.OpenAIOption{
			llm.WithDefaultModel(s.Model),
			llm.WithRateLimit(s.RateLimit, s.Burst),
		}
		if s.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(s.BaseURL))
		}
		return llm.NewOpenAI(key, opts...), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}
