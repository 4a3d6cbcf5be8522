package sterad

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sterad"

// metrics wraps the otel instruments recorded by the service. Without a
// configured MeterProvider every call is a no-op.
type metrics struct {
	responses         metric.Int64Counter
	captures          metric.Int64Counter
	invalidations     metric.Int64Counter
	evictions         metric.Int64Counter
	patternFailures   metric.Int64Counter
	transformDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	responses, err := meter.Int64Counter(
		"sterad.responses",
		metric.WithDescription("Responses served, by source"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}
	captures, err := meter.Int64Counter(
		"sterad.captures",
		metric.WithDescription("Capture submissions, by outcome"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		return nil, err
	}
	invalidations, err := meter.Int64Counter(
		"sterad.invalidations",
		metric.WithDescription("Invalidation requests, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter(
		"sterad.memory.evictions",
		metric.WithDescription("Memory cache entries evicted by capacity"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	patternFailures, err := meter.Int64Counter(
		"sterad.pattern.failures",
		metric.WithDescription("Guarded pattern matches that timed out or failed"),
		metric.WithUnit("{match}"),
	)
	if err != nil {
		return nil, err
	}
	transformDuration, err := meter.Float64Histogram(
		"sterad.transform.duration_ms",
		metric.WithDescription("External transform duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		responses:         responses,
		captures:          captures,
		invalidations:     invalidations,
		evictions:         evictions,
		patternFailures:   patternFailures,
		transformDuration: transformDuration,
	}, nil
}

func (m *metrics) response(ctx context.Context, source string) {
	m.responses.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *metrics) capture(ctx context.Context, outcome string) {
	m.captures.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) invalidation(ctx context.Context, outcome string) {
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) eviction(ctx context.Context) {
	m.evictions.Add(ctx, 1)
}

func (m *metrics) patternFailure(ctx context.Context) {
	m.patternFailures.Add(ctx, 1)
}

func (m *metrics) transform(ctx context.Context, d time.Duration, err error) {
	m.transformDuration.Record(ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("error", err != nil)))
}
