package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	executionCounter     metric.Int64Counter
	executionBytes       metric.Int64Counter
	engineFailureCounter metric.Int64Counter
	executionLatency     metric.Float64Histogram
)

// ExecutionMetrics captures the fields needed to record one command execution.
type ExecutionMetrics struct {
	Command     string
	Outcome     string
	EngineCode  int
	Duration    time.Duration
	InputBytes  int64
	OutputBytes int64
}

// RecordExecutionMetrics emits counters and histograms describing an execution
// through the global meter provider.
func RecordExecutionMetrics(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("polis.command", m.Command),
		attribute.String("polis.outcome", m.Outcome),
	}

	executionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		executionLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.InputBytes > 0 {
		executionBytes.Add(ctx, m.InputBytes, metric.WithAttributes(
			attribute.String("polis.command", m.Command),
			attribute.String("polis.direction", "input"),
		))
	}
	if m.OutputBytes > 0 {
		executionBytes.Add(ctx, m.OutputBytes, metric.WithAttributes(
			attribute.String("polis.command", m.Command),
			attribute.String("polis.direction", "output"),
		))
	}

	if m.EngineCode != 0 {
		engineFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("polis.command", m.Command),
			attribute.Int("polis.engine.code", m.EngineCode),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.driver")

		executionCounter, metricsInitErr = meter.Int64Counter(
			"polis.driver.executions_total",
			metric.WithDescription("Command executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionBytes, metricsInitErr = meter.Int64Counter(
			"polis.driver.bytes_total",
			metric.WithDescription("Bytes relayed by executions per direction"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		engineFailureCounter, metricsInitErr = meter.Int64Counter(
			"polis.driver.engine_failures_total",
			metric.WithDescription("Engine failures by reported code"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatency, metricsInitErr = meter.Float64Histogram(
			"polis.driver.execution_duration_ms",
			metric.WithDescription("Observed execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
