package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ratekeeper"

// Metrics holds the resolver instruments. A nil *Metrics records nothing, so
// callers never need to check.
type Metrics struct {
	Resolves      metric.Int64Counter
	Fetches       metric.Int64Counter
	FetchDuration metric.Float64Histogram
	CacheErrors   metric.Int64Counter
	StoreSaves    metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Resolves, err = meter.Int64Counter("ratekeeper.resolve.total",
		metric.WithDescription("Resolutions by the layer that answered"))
	if err != nil {
		return nil, err
	}

	m.Fetches, err = meter.Int64Counter("ratekeeper.fetch.total",
		metric.WithDescription("Generative fetches by outcome"))
	if err != nil {
		return nil, err
	}

	m.FetchDuration, err = meter.Float64Histogram("ratekeeper.fetch.duration_seconds",
		metric.WithDescription("Generative fetch duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.CacheErrors, err = meter.Int64Counter("ratekeeper.cache.errors",
		metric.WithDescription("Hot cache operations that failed"))
	if err != nil {
		return nil, err
	}

	m.StoreSaves, err = meter.Int64Counter("ratekeeper.store.saves",
		metric.WithDescription("Versions written by source"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordResolve counts a resolution answered by layer.
func (m *Metrics) RecordResolve(ctx context.Context, kind, layer string) {
	if m == nil {
		return
	}
	m.Resolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("layer", layer)))
}

// RecordFetch counts a fetch outcome and its duration.
func (m *Metrics) RecordFetch(ctx context.Context, kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.Fetches.Add(ctx, 1, attrs)
	m.FetchDuration.Record(ctx, seconds, attrs)
}

// RecordCacheError counts a failed cache operation.
func (m *Metrics) RecordCacheError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.CacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordSave counts a persisted version.
func (m *Metrics) RecordSave(ctx context.Context, kind, source string) {
	if m == nil {
		return
	}
	m.StoreSaves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("source", source)))
}
