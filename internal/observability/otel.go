// Package observability wires OpenTelemetry for the gateway: Prometheus
// metrics, OTLP traces and logs over gRPC or HTTP, and the gateway's own
// call and security instruments.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "sp-gateway"

const providerShutdownTimeout = 5 * time.Second

// Config describes the process to OpenTelemetry and where to export to.
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

// newResource describes the gateway process. The schema URL is left empty so
// merging with resource.Default never conflicts.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", name),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// shutdownProvider bounds a provider shutdown and logs the outcome.
func shutdownProvider(ctx context.Context, logger *slog.Logger, name string, shutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("failed to shut down "+name+" provider", slog.String("error", err.Error()))
		return err
	}
	logger.Debug(name + " provider shut down")
	return nil
}

// MeterProvider owns the Prometheus-backed meter provider behind /metrics.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider installs a Prometheus-backed global meter provider.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return &MeterProvider{provider: provider, exporter: exporter}, nil
}

func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Exporter returns the Prometheus exporter registered with the default registry.
func (mp *MeterProvider) Exporter() *prometheus.Exporter {
	return mp.exporter
}

// TracerProvider owns the batching OTLP tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting over OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newSpanExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

// traceSamplerForRatio follows the parent decision for ratios strictly
// between 0 and 1.
func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider owns the OTLP log pipeline the slog bridge writes to.
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds an OTLP logger provider. It is not installed
// globally; the logging package attaches it to its handler.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newLogExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider returns the underlying SDK provider.
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
