// Package observability provides structured logging, metrics, and tracing
// for nodeflow graphs.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry, optionally exported to Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds graph and node identity to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "graph-1", "prompt")
//	enriched.Info("processing") // includes graph_id, node_id
func EnrichLogger(logger *slog.Logger, graphID, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("graph_id", graphID),
	)
}

// The node helpers below expect a logger from EnrichLogger, which already
// carries node_id.

// LogProcessStart logs the start of a node's process call.
func LogProcessStart(logger *slog.Logger, force bool) {
	if logger == nil {
		return
	}
	logger.Debug("node processing",
		slog.Bool("force", force),
	)
}

// LogProcessComplete logs a successful process call.
func LogProcessComplete(logger *slog.Logger, durationMs float64, cached bool) {
	if logger == nil {
		return
	}
	logger.Debug("node processed",
		slog.Float64("duration_ms", durationMs),
		slog.Bool("cached", cached),
	)
}

// LogProcessError logs a failed process call. The node keeps its last output.
func LogProcessError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("node processing failed",
		slog.String("error", err.Error()),
	)
}

// LogCacheHit logs an execution served from the node's cache.
func LogCacheHit(logger *slog.Logger, key uint64) {
	if logger == nil {
		return
	}
	logger.Debug("cache hit",
		slog.Uint64("cache_key", key),
	)
}

// LogPersistError logs a failed fire-and-forget store write (non-fatal).
func LogPersistError(logger *slog.Logger, collection, id string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("persist failed",
		slog.String("collection", collection),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
}

// LogCompile logs a plugin compilation.
func LogCompile(logger *slog.Logger, key string, version int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("plugin compile failed",
			slog.String("plugin_key", key),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("plugin compiled",
		slog.String("plugin_key", key),
		slog.Int("version", version),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRegister logs a plugin registration.
func LogRegister(logger *slog.Logger, key string, version int, hash string) {
	if logger == nil {
		return
	}
	logger.Info("plugin registered",
		slog.String("plugin_key", key),
		slog.Int("version", version),
		slog.String("hash", hash),
	)
}

// LogSubflowRebuild logs a subflow switching its shadow graph.
func LogSubflowRebuild(logger *slog.Logger, nodeID, fromWorkspace, toWorkspace string, shadowNodes int) {
	if logger == nil {
		return
	}
	logger.Info("subflow rebuilt",
		slog.String("node_id", nodeID),
		slog.String("from_workspace", fromWorkspace),
		slog.String("to_workspace", toWorkspace),
		slog.Int("shadow_nodes", shadowNodes),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
