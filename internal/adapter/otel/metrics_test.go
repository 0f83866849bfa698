package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.RecordResolve(ctx, "itr", "cache")
	m.RecordResolve(ctx, "itr", "store")
	m.RecordFetch(ctx, "gst", "found", 0.4)
	m.RecordCacheError(ctx, "get")
	m.RecordSave(ctx, "gst", "generated")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
			if md.Name == "ratekeeper.resolve.total" {
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", md.Data)
				}
				if len(sum.DataPoints) != 2 {
					t.Errorf("expected one point per layer, got %d", len(sum.DataPoints))
				}
			}
		}
	}
	for _, want := range []string{
		"ratekeeper.resolve.total",
		"ratekeeper.fetch.total",
		"ratekeeper.fetch.duration_seconds",
		"ratekeeper.cache.errors",
		"ratekeeper.store.saves",
	} {
		if !names[want] {
			t.Errorf("missing instrument %s", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordResolve(context.Background(), "itr", "compiled")
	m.RecordFetch(context.Background(), "itr", "invalid", 1)
	m.RecordCacheError(context.Background(), "set")
	m.RecordSave(context.Background(), "itr", "manual")
}
