package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records nodeflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordProcess records one process call with its duration and error status.
	RecordProcess(ctx context.Context, nodeID, kind string, duration time.Duration, err error)

	// RecordCache records a cache lookup.
	RecordCache(ctx context.Context, nodeID string, hit bool)

	// RecordCompile records a plugin compilation.
	RecordCompile(ctx context.Context, key string, duration time.Duration, err error)

	// RecordPersistError records a failed store write.
	RecordPersistError(ctx context.Context, collection string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	executions    metric.Int64Counter
	latency       metric.Float64Histogram
	errors        metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	compiles      metric.Int64Counter
	compileTime   metric.Float64Histogram
	persistErrors metric.Int64Counter
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	executions, err := meter.Int64Counter("nodeflow.process.executions",
		metric.WithDescription("Number of node process calls"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("nodeflow.process.latency_ms",
		metric.WithDescription("Node process latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter("nodeflow.process.errors",
		metric.WithDescription("Number of failed node process calls"),
	)
	if err != nil {
		return nil, err
	}

	hits, err := meter.Int64Counter("nodeflow.cache.hits",
		metric.WithDescription("Execution cache hits"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter("nodeflow.cache.misses",
		metric.WithDescription("Execution cache misses"),
	)
	if err != nil {
		return nil, err
	}

	compiles, err := meter.Int64Counter("nodeflow.plugin.compiles",
		metric.WithDescription("Number of plugin compilations"),
	)
	if err != nil {
		return nil, err
	}

	compileTime, err := meter.Float64Histogram("nodeflow.plugin.compile_ms",
		metric.WithDescription("Plugin compilation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	persistErrors, err := meter.Int64Counter("nodeflow.store.errors",
		metric.WithDescription("Number of failed store writes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		executions:    executions,
		latency:       latency,
		errors:        errs,
		cacheHits:     hits,
		cacheMisses:   misses,
		compiles:      compiles,
		compileTime:   compileTime,
		persistErrors: persistErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder using the global OTel meter
// provider. If instrument creation fails, returns a no-op recorder.
//
// Configure the provider before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderFrom(otel.GetMeterProvider())
}

// NewMetricsRecorderFrom returns a MetricsRecorder using provider.
func NewMetricsRecorderFrom(provider metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(provider.Meter("nodeflow"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordProcess records a process call.
func (m *otelMetrics) RecordProcess(ctx context.Context, nodeID, kind string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("kind", kind),
	)
	m.executions.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCache records a cache lookup.
func (m *otelMetrics) RecordCache(ctx context.Context, nodeID string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("node_id", nodeID))
	if hit {
		m.cacheHits.Add(ctx, 1, attrs)
		return
	}
	m.cacheMisses.Add(ctx, 1, attrs)
}

// RecordCompile records a plugin compilation.
func (m *otelMetrics) RecordCompile(ctx context.Context, key string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("plugin_key", key),
		attribute.Bool("success", err == nil),
	)
	m.compiles.Add(ctx, 1, attrs)
	m.compileTime.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordPersistError records a failed store write.
func (m *otelMetrics) RecordPersistError(ctx context.Context, collection string) {
	m.persistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", collection)))
}
