// Package observability provides structured logging, metrics, and
// distributed tracing for the content pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id, organization_id, and stage fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "org-7", "article_generation")
//	enriched.Info("doing work") // includes run_id, organization_id, stage
func EnrichLogger(logger *slog.Logger, runID, orgID, stage string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("organization_id", orgID),
		slog.String("stage", stage),
	)
}

// LogRunStart logs the start of a pipeline run.
func LogRunStart(logger *slog.Logger, runID, orgID string, stages int) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run starting",
		slog.String("run_id", runID),
		slog.String("organization_id", orgID),
		slog.Int("stages", stages),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, totalCost float64) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Float64("total_cost", totalCost),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastStage string) {
	if logger == nil {
		return
	}
	logger.Error("pipeline run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_stage", lastStage),
	)
}

// LogStageStart logs stage execution start.
func LogStageStart(logger *slog.Logger, stage string, attempt int) {
	if logger == nil {
		return
	}
	logger.Debug("stage starting",
		slog.String("stage", stage),
		slog.Int("attempt", attempt),
	)
}

// LogStageComplete logs successful stage completion.
func LogStageComplete(logger *slog.Logger, stage string, durationMs float64, cost float64) {
	if logger == nil {
		return
	}
	logger.Debug("stage completed",
		slog.String("stage", stage),
		slog.Float64("duration_ms", durationMs),
		slog.Float64("cost", cost),
	)
}

// LogStageError logs stage execution error.
func LogStageError(logger *slog.Logger, stage string, kind string, err error) {
	if logger == nil {
		return
	}
	logger.Error("stage failed",
		slog.String("stage", stage),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// LogStageDegraded logs an optional stage skipped after retry exhaustion.
func LogStageDegraded(logger *slog.Logger, stage string, attempts int) {
	if logger == nil {
		return
	}
	logger.Warn("optional stage degraded",
		slog.String("stage", stage),
		slog.Int("attempts", attempts),
	)
}

// LogBudgetReject logs a reservation refused by the cost ledger.
func LogBudgetReject(logger *slog.Logger, runID, orgID, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("reservation rejected",
		slog.String("run_id", runID),
		slog.String("organization_id", orgID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// LogPersistError logs a run save failure (non-fatal for in-flight work).
func LogPersistError(logger *slog.Logger, runID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("run persist failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
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
		return float64(time.Since(start).Milliseconds())
	}
}
