package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GatewayMetrics holds custom metrics for procedure calls. All methods are
// safe on a nil receiver so callers can run without metrics.
type GatewayMetrics struct {
	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
	resolveErrors   metric.Int64Counter
	procedureErrors metric.Int64Counter
	rowsReturned    metric.Int64Histogram
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	auditFailures   metric.Int64Counter
}

// InitGatewayMetrics creates the gateway instruments on the global meter provider.
func InitGatewayMetrics() (*GatewayMetrics, error) {
	return newGatewayMetrics(otel.Meter("sp-gateway"))
}

func newGatewayMetrics(meter metric.Meter) (*GatewayMetrics, error) {
	requestDuration, err := meter.Float64Histogram(
		"gateway.request.duration",
		metric.WithDescription("Duration of gateway requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestCounter, err := meter.Int64Counter(
		"gateway.requests.total",
		metric.WithDescription("Total number of gateway requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"gateway.requests.active",
		metric.WithDescription("Number of in-flight gateway requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	resolveErrors, err := meter.Int64Counter(
		"gateway.resolve.errors.total",
		metric.WithDescription("Requests rejected because they did not resolve to a procedure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve error counter: %w", err)
	}

	procedureErrors, err := meter.Int64Counter(
		"gateway.procedure.errors.total",
		metric.WithDescription("Procedure calls that failed in the database"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create procedure error counter: %w", err)
	}

	rowsReturned, err := meter.Int64Histogram(
		"gateway.rows.returned",
		metric.WithDescription("Number of rows returned by a procedure call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows returned histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"gateway.cache.hits",
		metric.WithDescription("Read calls served from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"gateway.cache.misses",
		metric.WithDescription("Read calls that missed the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	auditFailures, err := meter.Int64Counter(
		"gateway.audit.publish_failures",
		metric.WithDescription("Mutation audit events that could not be published"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit failures counter: %w", err)
	}

	return &GatewayMetrics{
		requestDuration: requestDuration,
		requestCounter:  requestCounter,
		activeRequests:  activeRequests,
		resolveErrors:   resolveErrors,
		procedureErrors: procedureErrors,
		rowsReturned:    rowsReturned,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		auditFailures:   auditFailures,
	}, nil
}

// RecordRequest records a finished request. outcome is a short label such as
// "success", "bad_request", "forbidden" or "db_error".
func (m *GatewayMetrics) RecordRequest(ctx context.Context, duration time.Duration, table, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requestCounter.Add(ctx, 1, attrs)
}

// RecordResolveError counts a request rejected by the resolver.
func (m *GatewayMetrics) RecordResolveError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.resolveErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProcedureError counts a failed procedure call.
func (m *GatewayMetrics) RecordProcedureError(ctx context.Context, procedure string) {
	if m == nil {
		return
	}
	m.procedureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("procedure", procedure)))
}

// RecordRowsReturned records the row count of a successful call.
func (m *GatewayMetrics) RecordRowsReturned(ctx context.Context, procedure string, rows int) {
	if m == nil {
		return
	}
	m.rowsReturned.Record(ctx, int64(rows), metric.WithAttributes(attribute.String("procedure", procedure)))
}

func (m *GatewayMetrics) RecordCacheHit(ctx context.Context, table string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

func (m *GatewayMetrics) RecordCacheMiss(ctx context.Context, table string) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

func (m *GatewayMetrics) RecordAuditFailure(ctx context.Context, table string) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

// IncrementActiveRequests increments the active requests counter
func (m *GatewayMetrics) IncrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter
func (m *GatewayMetrics) DecrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the GatewayMetrics instance
func InitMetrics(logger *slog.Logger) (*GatewayMetrics, error) {
	metrics, err := InitGatewayMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway metrics: %w", err)
	}

	logger.Info("gateway metrics initialized")
	return metrics, nil
}
