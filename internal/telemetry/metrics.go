package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ArchiverMetricsMeterName is the name used for the coordinator meter.
const ArchiverMetricsMeterName = "github.com/roach88/archiver/archiver"

// ArchiverMetrics holds the instruments recorded by the coordinator.
// A nil *ArchiverMetrics is valid and records nothing.
type ArchiverMetrics struct {
	claims      metric.Int64Counter
	completions metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
	duration    metric.Float64Histogram
	stops       metric.Int64Counter
}

// NewArchiverMetrics creates the coordinator instruments.
// If provider is nil, it returns nil (no-op metrics).
func NewArchiverMetrics(provider metric.MeterProvider) (*ArchiverMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ArchiverMetricsMeterName)

	claims, err := meter.Int64Counter(
		"archiver_claims_total",
		metric.WithDescription("Invalidations claimed by this process"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter(
		"archiver_completions_total",
		metric.WithDescription("Invalidations moved to a terminal status, by status"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"archiver_in_flight",
		metric.WithDescription("Invalidations currently being archived"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"archiver_archive_duration_seconds",
		metric.WithDescription("Duration of one archive computation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	stops, err := meter.Int64Counter(
		"archiver_stop_requests_total",
		metric.WithDescription("Stop requests received, by reason"),
	)
	if err != nil {
		return nil, err
	}

	return &ArchiverMetrics{
		claims:      claims,
		completions: completions,
		inFlight:    inFlight,
		duration:    duration,
		stops:       stops,
	}, nil
}

// RecordClaim records a successful claim.
func (m *ArchiverMetrics) RecordClaim(ctx context.Context, siteID int64, period string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("site", siteID),
		attribute.String("period", period),
	))
	m.inFlight.Add(ctx, 1)
}

// RecordCompletion records that an in-flight invalidation reached status.
func (m *ArchiverMetrics) RecordCompletion(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.completions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.inFlight.Add(ctx, -1)
}

// RecordStop records a stop request.
func (m *ArchiverMetrics) RecordStop(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.stops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
