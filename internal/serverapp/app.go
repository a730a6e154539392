// Package serverapp wires configuration into a running gateway: telemetry,
// the MySQL pool, procedure verification, the optional Redis cache and
// Kafka audit stream, and the HTTP server.
package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"sp-gateway/internal/audit"
	"sp-gateway/internal/config"
	"sp-gateway/internal/dbexec"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/observability"
	"sp-gateway/internal/readcache"
	"sp-gateway/internal/tlscert"
)

// App owns runtime resources for the gateway lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	dsnPresent        bool

	meterProvider   *observability.MeterProvider
	gatewayMetrics  *observability.GatewayMetrics
	securityMetrics *observability.SecurityMetrics
	tracerProvider  *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	executor *dbexec.Executor
	cache    *readcache.Cache
	auditPub *audit.Publisher

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server
	tlsManager tlscert.Manager

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
