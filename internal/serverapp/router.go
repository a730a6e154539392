package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sp-gateway/internal/adminauth"
	"sp-gateway/internal/audit"
	"sp-gateway/internal/config"
	"sp-gateway/internal/dbexec"
	"sp-gateway/internal/gateway"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/middleware"
	"sp-gateway/internal/observability"
	"sp-gateway/internal/readcache"
	"sp-gateway/internal/resolver"
	"sp-gateway/internal/tlscert"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// gatewayDeps are the runtime pieces the gateway handler is built from.
type gatewayDeps struct {
	resolver        *resolver.Resolver
	caller          dbexec.Caller
	cache           *readcache.Cache
	audit           *audit.Publisher
	metrics         *observability.GatewayMetrics
	securityMetrics *observability.SecurityMetrics
}

// buildGateway creates the gateway handler and the wrapper applied to
// /procesar. Password mode checks admin_password in the body; OIDC mode
// checks a bearer token before the body is read.
func buildGateway(cfg *config.Config, logger *logging.Logger, deps gatewayDeps) (*gateway.Handler, func(http.Handler) http.Handler, error) {
	opts := gateway.Options{
		Resolver:        deps.resolver,
		Caller:          deps.caller,
		Cache:           deps.cache,
		Audit:           deps.audit,
		Metrics:         deps.metrics,
		SecurityMetrics: deps.securityMetrics,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}

	var process func(http.Handler) http.Handler
	switch cfg.Server.Auth.Mode {
	case config.AuthModeOIDC:
		authMiddleware, err := middleware.OIDCAuthMiddleware(middleware.OIDCAuthConfig{
			Enabled:   true,
			IssuerURL: cfg.Server.Auth.OIDCIssuerURL,
			Audience:  cfg.Server.Auth.OIDCAudience,
			ClockSkew: cfg.Server.Auth.OIDCClockSkew,
			CAFile:    cfg.Server.Auth.OIDCCAFile,
		}, logger, deps.securityMetrics)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OIDC auth: %w", err)
		}
		process = authMiddleware
		logger.Info("procedure calls require an OIDC bearer token",
			slog.String("issuer", cfg.Server.Auth.OIDCIssuerURL),
		)
	default:
		verifier, err := adminauth.New(cfg.Server.Auth.AdminPassword, cfg.Server.Auth.AdminPasswordHash)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize admin password check: %w", err)
		}
		opts.Verifier = verifier
		logger.Info("procedure calls require the admin password")
	}

	handler, err := gateway.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return handler, process, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, gw *gateway.Handler, process func(http.Handler) http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	gw.Register(mux, process)
	mux.HandleFunc("GET /health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

// wrapHTTPHandler applies the cross-cutting layers. From the outside in:
// rate limit, CORS, OpenTelemetry, request logging.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          true,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled:   true,
			RPS:       cfg.Server.RateLimitRPS,
			Burst:     cfg.Server.RateLimitBurst,
			PerClient: cfg.Server.RateLimitPerClient,
		})(handler)
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", "/procesar", "/tables", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

func tlsEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !tlsEnabled(cfg) {
		return srv, nil, nil
	}

	certMode := tlscert.CertModeFile
	if cfg.Server.TLSMode == "auto" {
		certMode = tlscert.CertModeSelfSigned
	}
	tlsManager, err := tlscert.NewManager(tlscert.Config{
		Mode:              certMode,
		CertFile:          cfg.Server.TLSCertFile,
		KeyFile:           cfg.Server.TLSKeyFile,
		SelfSignedCertDir: cfg.Server.TLSAutoCertDir,
		SelfSignedHosts:   []string{"localhost", "127.0.0.1", "::1"},
	}, logger.Logger)
	if err != nil {
		return nil, nil, err
	}

	srv.TLSConfig, err = tlsManager.GetTLSConfig()
	if err != nil {
		return nil, nil, err
	}

	logger.Info("TLS enabled",
		slog.String("mode", cfg.Server.TLSMode),
		slog.String("cert_source", tlsManager.Description()))
	return srv, tlsManager, nil
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	secure := tlsEnabled(cfg)
	go func() {
		protocol := "http"
		if secure {
			protocol = "https"
		}

		logAttrs := []any{
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("process_endpoint", "/procesar"),
			slog.String("health_endpoint", "/health"),
			slog.String("auth_mode", cfg.Server.Auth.Mode),
			slog.Bool("cache_enabled", cfg.Cache.Enabled),
			slog.Bool("audit_enabled", cfg.Audit.Enabled),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
				slog.Bool("rate_limit_per_client", cfg.Server.RateLimitPerClient),
			)
		}
		logger.Info("server starting", logAttrs...)

		var err error
		if secure {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler pings the database with a short timeout.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
