package observability_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/filterforge/buildq/observability"
)

func TestNewMetricsInstruments(t *testing.T) {
	t.Parallel()

	m := observability.NewMetricsWithMeter(noop.NewMeterProvider().Meter("test"))

	if m.JobsEnqueued == nil || m.JobsClaimed == nil || m.JobsCompleted == nil ||
		m.JobsFailed == nil || m.JobsSkipped == nil || m.JobsReleased == nil ||
		m.JobsReaped == nil || m.EventsPublished == nil || m.EventsDropped == nil {
		t.Fatal("instrument not initialized")
	}
}

func TestRecordEventDelivery(t *testing.T) {
	t.Parallel()

	m := observability.NewMetricsWithMeter(noop.NewMeterProvider().Meter("test"))

	// Noop instruments accept any values without panicking.
	m.RecordEventDelivery(context.Background(), "job.progress", 3, 1)
	m.RecordEventDelivery(context.Background(), "job.completed", 0, 0)
}

func TestNewMetricsGlobalProvider(t *testing.T) {
	t.Parallel()

	m := observability.NewMetrics()
	m.JobsEnqueued.Add(context.Background(), 1)
}
