package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// OTLPExporterConfig describes one OTLP collector connection.
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
	RetryMaxAttempts  int
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

// Exporter retry bounds shared by every OTLP exporter.
const (
	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsedTime  = 30 * time.Second
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

// exporterSettings is an OTLPExporterConfig resolved once and shared by the
// trace and log exporters of either protocol.
type exporterSettings struct {
	protocol    otlpProtocol
	endpoint    string
	endpointURL bool
	tlsConfig   *tls.Config // nil means plaintext
	headers     map[string]string
	timeout     time.Duration
	gzip        bool
	retry       bool
}

func resolveExporterSettings(cfg OTLPExporterConfig) (exporterSettings, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return exporterSettings{}, err
	}
	s := exporterSettings{
		protocol:    protocol,
		endpoint:    cfg.Endpoint,
		endpointURL: strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		headers:     cfg.Headers,
		timeout:     cfg.Timeout,
		gzip:        cfg.Compression == "gzip",
		retry:       cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if !cfg.Insecure {
		if s.tlsConfig, err = buildTLSConfig(cfg); err != nil {
			return exporterSettings{}, err
		}
	}
	return s, nil
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse OTLP TLS CA file")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		if cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "" {
			return nil, errors.New("OTLP TLS client cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func newSpanExporter(ctx context.Context, cfg OTLPExporterConfig) (sdktrace.SpanExporter, error) {
	s, err := resolveExporterSettings(cfg)
	if err != nil {
		return nil, err
	}
	var exporter sdktrace.SpanExporter
	if s.protocol == otlpProtocolHTTP {
		exporter, err = otlptracehttp.New(ctx, s.traceHTTPOptions()...)
	} else {
		exporter, err = otlptracegrpc.New(ctx, s.traceGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

func newLogExporter(ctx context.Context, cfg OTLPExporterConfig) (log.Exporter, error) {
	s, err := resolveExporterSettings(cfg)
	if err != nil {
		return nil, err
	}
	var exporter log.Exporter
	if s.protocol == otlpProtocolHTTP {
		exporter, err = otlploghttp.New(ctx, s.logHTTPOptions()...)
	} else {
		exporter, err = otlploggrpc.New(ctx, s.logGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	return exporter, nil
}

func (s exporterSettings) traceGRPCOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint), otlptracegrpc.WithHeaders(s.headers)}
	if s.tlsConfig == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tlsConfig)))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return opts
}

func (s exporterSettings) traceHTTPOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(s.headers)}
	if s.endpointURL {
		opts = append(opts, otlptracehttp.WithEndpointURL(s.endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(s.endpoint))
	}
	if s.tlsConfig == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(s.tlsConfig))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return opts
}

func (s exporterSettings) logGRPCOptions() []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(s.endpoint), otlploggrpc.WithHeaders(s.headers)}
	if s.tlsConfig == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(s.tlsConfig)))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return opts
}

func (s exporterSettings) logHTTPOptions() []otlploghttp.Option {
	opts := []otlploghttp.Option{otlploghttp.WithHeaders(s.headers)}
	if s.endpointURL {
		opts = append(opts, otlploghttp.WithEndpointURL(s.endpoint))
	} else {
		opts = append(opts, otlploghttp.WithEndpoint(s.endpoint))
	}
	if s.tlsConfig == nil {
		opts = append(opts, otlploghttp.WithInsecure())
	} else {
		opts = append(opts, otlploghttp.WithTLSClientConfig(s.tlsConfig))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsedTime,
		}))
	}
	return opts
}
