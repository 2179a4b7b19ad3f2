package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	maintenanceRuns     metric.Int64Counter
	maintenanceDuration metric.Float64Histogram
	resourcesStored     metric.Int64Gauge
	changeEvents        metric.Int64Counter
	storageOperations   metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider.
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("anchor.daemon")

	maintenanceRuns, err := meter.Int64Counter(
		"anchor.daemon.maintenance",
		metric.WithDescription("Number of maintenance runs (compaction and audit log cleanup)"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	maintenanceDuration, err := meter.Float64Histogram(
		"anchor.daemon.maintenance.duration",
		metric.WithDescription("Duration of maintenance runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resourcesStored, err := meter.Int64Gauge(
		"anchor.resources.stored",
		metric.WithDescription("Number of resources in the store"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"anchor.change_events",
		metric.WithDescription("Number of resource events received from the notifier"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"anchor.storage.operations",
		metric.WithDescription("Number of storage maintenance operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		maintenanceRuns:     maintenanceRuns,
		maintenanceDuration: maintenanceDuration,
		resourcesStored:     resourcesStored,
		changeEvents:        changeEvents,
		storageOperations:   storageOperations,
	}, nil
}

// RecordMaintenance records a maintenance run with status
func (m *DaemonMetrics) RecordMaintenance(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.maintenanceRuns.Add(ctx, 1, attrs)
	m.maintenanceDuration.Record(ctx, durationSeconds, attrs)
}

// RecordResourcesStored records the number of stored resources
func (m *DaemonMetrics) RecordResourcesStored(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.resourcesStored.Record(ctx, int64(count))
}

// RecordChangeEvent records an event delivered by the notifier
func (m *DaemonMetrics) RecordChangeEvent(ctx context.Context, changeType string, kind string) {
	if m == nil {
		return
	}
	m.changeEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("change.type", changeType),
			attribute.String("resource.kind", kind),
		),
	)
}

// RecordStorageOperation records a storage operation
func (m *DaemonMetrics) RecordStorageOperation(ctx context.Context, operation string, status string, errorType string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
