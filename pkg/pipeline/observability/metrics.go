package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStageExecution records one agent invocation with its
	// duration, incurred cost, and error status.
	RecordStageExecution(ctx context.Context, stage string, duration time.Duration, cost float64, err error)

	// RecordRun records a run reaching a terminal status.
	RecordRun(ctx context.Context, status string, duration time.Duration, totalCost float64)

	// RecordBudgetReject records a reservation refused by the ledger.
	RecordBudgetReject(ctx context.Context, orgID, reason string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stageExecutions metric.Int64Counter
	stageLatency    metric.Float64Histogram
	stageErrors     metric.Int64Counter
	stageCost       metric.Float64Histogram
	runs            metric.Int64Counter
	runLatency      metric.Float64Histogram
	runCost         metric.Float64Histogram
	budgetRejects   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("pipeline")

	stageExecutions, err := meter.Int64Counter("pipeline.stage.executions",
		metric.WithDescription("Number of agent invocations"),
	)
	if err != nil {
		return nil, err
	}

	stageLatency, err := meter.Float64Histogram("pipeline.stage.latency_ms",
		metric.WithDescription("Agent invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stageErrors, err := meter.Int64Counter("pipeline.stage.errors",
		metric.WithDescription("Number of failed agent invocations"),
	)
	if err != nil {
		return nil, err
	}

	stageCost, err := meter.Float64Histogram("pipeline.stage.cost_usd",
		metric.WithDescription("Cost incurred per agent invocation in USD"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("pipeline.runs",
		metric.WithDescription("Number of runs reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("pipeline.run.latency_ms",
		metric.WithDescription("Run wall-clock duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	runCost, err := meter.Float64Histogram("pipeline.run.cost_usd",
		metric.WithDescription("Total cost per run in USD"),
	)
	if err != nil {
		return nil, err
	}

	budgetRejects, err := meter.Int64Counter("pipeline.budget.rejects",
		metric.WithDescription("Number of reservations refused by the ledger"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stageExecutions: stageExecutions,
		stageLatency:    stageLatency,
		stageErrors:     stageErrors,
		stageCost:       stageCost,
		runs:            runs,
		runLatency:      runLatency,
		runCost:         runCost,
		budgetRejects:   budgetRejects,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordStageExecution records an agent invocation.
func (m *otelMetrics) RecordStageExecution(ctx context.Context, stage string, duration time.Duration, cost float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
	}

	m.stageExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stageLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if cost > 0 {
		m.stageCost.Record(ctx, cost, metric.WithAttributes(attrs...))
	}

	if err != nil {
		m.stageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRun records a terminal run.
func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration, totalCost float64) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.runCost.Record(ctx, totalCost, metric.WithAttributes(attrs...))
}

// RecordBudgetReject records a refused reservation.
func (m *otelMetrics) RecordBudgetReject(ctx context.Context, orgID, reason string) {
	m.budgetRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", orgID),
		attribute.String("reason", reason),
	))
}
