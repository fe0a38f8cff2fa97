// Package observability bundles the OpenTelemetry instruments the engine
// records lifecycle counts on. With no MeterProvider configured the global
// meter hands back noop instruments, so recording is always safe.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for buildq metrics.
const meterName = "github.com/filterforge/buildq"

// Metrics holds the counters incremented at each lifecycle transition.
// All instruments are safe for concurrent use.
type Metrics struct {
	JobsEnqueued  metric.Int64Counter
	JobsClaimed   metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsFailed    metric.Int64Counter
	JobsSkipped   metric.Int64Counter
	JobsReleased  metric.Int64Counter
	JobsReaped    metric.Int64Counter

	EventsPublished metric.Int64Counter
	EventsDropped   metric.Int64Counter
}

// NewMetrics creates the instrument set on the global MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the instrument set on the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	// On error the OTel API returns noop instruments, so errors are
	// ignored and recording degrades gracefully.
	m.JobsEnqueued, _ = meter.Int64Counter(
		"buildq.jobs.enqueued",
		metric.WithDescription("Jobs admitted to the queue"),
		metric.WithUnit("{job}"),
	)
	m.JobsClaimed, _ = meter.Int64Counter(
		"buildq.jobs.claimed",
		metric.WithDescription("Jobs claimed by workers"),
		metric.WithUnit("{job}"),
	)
	m.JobsCompleted, _ = meter.Int64Counter(
		"buildq.jobs.completed",
		metric.WithDescription("Jobs finished successfully"),
		metric.WithUnit("{job}"),
	)
	m.JobsFailed, _ = meter.Int64Counter(
		"buildq.jobs.failed",
		metric.WithDescription("Jobs finished with errors"),
		metric.WithUnit("{job}"),
	)
	m.JobsSkipped, _ = meter.Int64Counter(
		"buildq.jobs.skipped",
		metric.WithDescription("Jobs declined by workers"),
		metric.WithUnit("{job}"),
	)
	m.JobsReleased, _ = meter.Int64Counter(
		"buildq.jobs.released",
		metric.WithDescription("Jobs returned to the queue voluntarily"),
		metric.WithUnit("{job}"),
	)
	m.JobsReaped, _ = meter.Int64Counter(
		"buildq.jobs.reaped",
		metric.WithDescription("Stale jobs requeued by the liveness reaper"),
		metric.WithUnit("{job}"),
	)
	m.EventsPublished, _ = meter.Int64Counter(
		"buildq.events.published",
		metric.WithDescription("Events delivered to stream subscribers"),
		metric.WithUnit("{event}"),
	)
	m.EventsDropped, _ = meter.Int64Counter(
		"buildq.events.dropped",
		metric.WithDescription("Events dropped by slow or closed subscribers"),
		metric.WithUnit("{event}"),
	)
	return m
}

// EventAttrs labels event counters with the event type.
func EventAttrs(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

// RecordEventDelivery increments the published and dropped counters for a
// single fan-out.
func (m *Metrics) RecordEventDelivery(ctx context.Context, eventType string, delivered, dropped int) {
	attrs := EventAttrs(eventType)
	if delivered > 0 {
		m.EventsPublished.Add(ctx, int64(delivered), attrs)
	}
	if dropped > 0 {
		m.EventsDropped.Add(ctx, int64(dropped), attrs)
	}
}
