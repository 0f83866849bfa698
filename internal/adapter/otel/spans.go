package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ratekeeper"

// StartResolveSpan starts the span covering one cascade.
func StartResolveSpan(ctx context.Context, op, kind, scope string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "resolver."+op,
		trace.WithAttributes(
			attribute.String("parameter.kind", kind),
			attribute.String("parameter.scope", scope),
		),
	)
}

// StartLayerSpan starts a child span for one layer of the cascade.
func StartLayerSpan(ctx context.Context, layer string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "layer."+layer,
		trace.WithAttributes(attribute.String("layer", layer)))
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
