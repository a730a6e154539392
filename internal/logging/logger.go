// Package logging provides structured logging helpers for the gateway.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/sdk/log"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// DefaultServiceName names the OTLP log scope when Config.ServiceName is empty.
const DefaultServiceName = "sp-gateway"

// Logger wraps slog.Logger with convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logging configuration
type Config struct {
	Level          string              // debug, info, warn, error
	Format         string              // json, text
	ServiceName    string              // OTLP instrumentation scope
	Output         io.Writer           // defaults to stdout
	LoggerProvider *log.LoggerProvider // Optional OTLP logger provider for exporting logs
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactedKeys never reach a log sink with their value.
var redactedKeys = map[string]bool{
	"admin_password": true,
	"password":       true,
	"authorization":  true,
	"dsn":            true,
}

const redacted = "[REDACTED]"

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// NewLogger builds a text or JSON logger. Source locations are attached at
// debug level, and secret-looking attributes are masked.
func NewLogger(cfg Config) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: redactSecrets,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}

	if cfg.LoggerProvider != nil {
		name := cfg.ServiceName
		if name == "" {
			name = DefaultServiceName
		}
		handler = newMultiHandler(handler, otelslog.NewHandler(name, otelslog.WithLoggerProvider(cfg.LoggerProvider)))
	}
	return &Logger{Logger: slog.New(handler)}
}

// multiHandler fans records out to every handler enabled for their level.
type multiHandler []slog.Handler

func newMultiHandler(handlers ...slog.Handler) multiHandler {
	return multiHandler(handlers)
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle offers the record to every enabled handler even when one fails.
func (m multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, record.Level) {
			if err := h.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m multiHandler) each(fn func(slog.Handler) slog.Handler) multiHandler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = fn(h)
	}
	return out
}

// WithRequestID returns a child logger tagged with request_id.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.With(slog.String("request_id", requestID))}
}

// WithFields returns a child logger with extra attributes.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...)}
}

// FromContext returns the request logger stored by WithLogger, or one
// backed by slog.Default.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return &Logger{Logger: slog.Default()}
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetRequestID returns the request ID stored on ctx, or "".
func GetRequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}

func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
