package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sp-gateway/internal/observability"
)

const tracerName = "sp-gateway/gateway"

func startCallSpan(ctx context.Context, info observability.CallInfo) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.call_procedure",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(observability.CallSpanAttributes(info)...)
	return ctx, span
}

func finishCallSpan(span trace.Span, err error, rows int, outcome string) {
	if span == nil {
		return
	}
	if outcome == "" {
		if err != nil {
			outcome = "error"
		} else {
			outcome = "success"
		}
	}
	span.SetAttributes(
		attribute.String("gateway.outcome", outcome),
		attribute.Int("gateway.rows", rows),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
