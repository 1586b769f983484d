package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope name for engine metrics.
const MeterName = "github.com/leadflow/leadflow"

type instruments struct {
	actionDuration metric.Float64Histogram
	actionRuns     metric.Int64Counter
	executions     metric.Int64Counter
}

// newInstruments creates the engine instruments. A nil meter falls back to
// the global MeterProvider, which is a noop until one is installed.
func newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	// On error the API hands back noop instruments, so errors are ignored.
	duration, _ := meter.Float64Histogram(
		"leadflow.action.duration",
		metric.WithDescription("Duration of action handler calls in seconds"),
		metric.WithUnit("s"),
	)
	runs, _ := meter.Int64Counter(
		"leadflow.action.executions",
		metric.WithDescription("Total number of attempted actions"),
		metric.WithUnit("{action}"),
	)
	executions, _ := meter.Int64Counter(
		"leadflow.workflow.executions",
		metric.WithDescription("Total number of finished workflow executions"),
		metric.WithUnit("{execution}"),
	)
	return &instruments{actionDuration: duration, actionRuns: runs, executions: executions}
}

func (m *instruments) recordAction(ctx context.Context, actionType string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.String("status", statusLabel(err)),
	)
	m.actionDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.actionRuns.Add(ctx, 1, attrs)
}

func (m *instruments) recordExecution(ctx context.Context, triggeredBy string, err error) {
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("triggered_by", triggeredBy),
		attribute.String("status", statusLabel(err)),
	))
}

func statusLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
