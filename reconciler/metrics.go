package reconciler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/anchor/pkg/fault"
)

// Metrics holds convergence metrics using OTEL semantic conventions.
type Metrics struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	queueDepth      metric.Int64Gauge
	sweeps          metric.Int64Counter
}

// NewMetrics creates metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetricsWithProvider(otel.GetMeterProvider())
}

func newMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("anchor.reconciler")

	attempts, err := meter.Int64Counter(
		"anchor.convergence.attempts",
		metric.WithDescription("Number of convergence attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	attemptDuration, err := meter.Float64Histogram(
		"anchor.convergence.duration",
		metric.WithDescription("Duration of convergence attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"anchor.queue.depth",
		metric.WithDescription("Number of resource names waiting for a worker"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	sweeps, err := meter.Int64Counter(
		"anchor.sweeps",
		metric.WithDescription("Number of scheduled sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		attempts:        attempts,
		attemptDuration: attemptDuration,
		queueDepth:      queueDepth,
		sweeps:          sweeps,
	}, nil
}

// RecordAttempt records a finished attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, r Result) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", string(r.Outcome)),
		attribute.String("resource.kind", r.Kind),
		attribute.String("event.type", string(r.EventType)),
	}
	if class := fault.ClassOf(r.Err); class != "" {
		attrs = append(attrs, attribute.String("error.class", string(class)))
	} else if r.Err != nil {
		attrs = append(attrs, attribute.String("error.class", "unknown"))
	}

	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.attemptDuration.Record(ctx, r.Duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(r.Outcome))),
	)
}

// RecordQueueDepth records the current queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}

// RecordSweep records a sweep run.
func (m *Metrics) RecordSweep(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
