package serverapp

import (
	"log/slog"

	"sp-gateway/internal/config"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/observability"
)

// InitLogger builds the process logger. When OTLP log export is enabled the
// returned logger also fans out to the exporter and the provider must be
// shut down by the caller.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: cfg.Observability.ServiceName,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(telemetryConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	logger.Info("OpenTelemetry logging initialized")

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.GatewayMetrics, *observability.SecurityMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(telemetryConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, nil, err
	}

	gatewayMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	securityMetrics, err := observability.InitSecurityMetrics()
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("environment", cfg.Observability.Environment),
	)
	return meterProvider, gatewayMetrics, securityMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(telemetryConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}
	return tracerProvider, nil
}

// telemetryConfig maps the observability section and one signal's OTLP
// settings onto the provider config.
func telemetryConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}
