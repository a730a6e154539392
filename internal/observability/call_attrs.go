package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CallInfo describes one resolved procedure call.
type CallInfo struct {
	Table     string
	Operation string
	Procedure string
	ArgCount  int
	Mutating  bool
}

// CallSpanAttributes builds canonical span attributes for a procedure call.
func CallSpanAttributes(info CallInfo) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("gateway.table", info.Table),
		attribute.String("gateway.operation", info.Operation),
		attribute.Int("gateway.procedure.arg_count", info.ArgCount),
		attribute.Bool("gateway.mutating", info.Mutating),
	}
	if info.Procedure != "" {
		attrs = append(attrs, attribute.String("db.stored_procedure.name", info.Procedure))
	}
	return attrs
}

// CallLogFields builds canonical structured log fields for a procedure call.
func CallLogFields(ctx context.Context, info CallInfo) []any {
	fields := []any{
		slog.String("table", info.Table),
		slog.String("operation", info.Operation),
		slog.String("procedure", info.Procedure),
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		fields = append(fields, slog.String("trace_id", spanCtx.TraceID().String()))
	}

	return fields
}
