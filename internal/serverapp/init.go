package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"sp-gateway/internal/audit"
	"sp-gateway/internal/catalog"
	"sp-gateway/internal/dbexec"
	"sp-gateway/internal/readcache"
	"sp-gateway/internal/resolver"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			_ = cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, gatewayMetrics, securityMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("connecting to MySQL",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database", a.effectiveDatabase),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, dbStatsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	cat := catalog.Default()
	if err := verifyProcedures(ctx, a.cfg, a.logger, db, a.effectiveDatabase, cat); err != nil {
		return err
	}

	executor := dbexec.NewExecutor(db, a.cfg.Database.CallTimeout)

	var cache *readcache.Cache
	if a.cfg.Cache.Enabled {
		cache, err = readcache.New(ctx, readcache.Config{
			Enabled:     true,
			Address:     a.cfg.Cache.Address,
			Password:    a.cfg.Cache.Password,
			DB:          a.cfg.Cache.DB,
			TTL:         a.cfg.Cache.TTL,
			KeyPrefix:   a.cfg.Cache.KeyPrefix,
			DialTimeout: a.cfg.Cache.DialTimeout,
			PoolSize:    a.cfg.Cache.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to read cache: %w", err)
		}
		cleanup.push("read cache", func(_ context.Context) error {
			return cache.Close()
		})
		a.logger.Info("read cache enabled",
			slog.String("address", a.cfg.Cache.Address),
			slog.Duration("ttl", a.cfg.Cache.TTL),
		)
	}

	var auditPub *audit.Publisher
	if a.cfg.Audit.Enabled {
		auditPub, err = audit.NewPublisher(audit.Config{
			Enabled:      true,
			Brokers:      a.cfg.Audit.Brokers,
			Topic:        a.cfg.Audit.Topic,
			WriteTimeout: a.cfg.Audit.WriteTimeout,
			RequiredAcks: a.cfg.Audit.RequiredAcks,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize audit publisher: %w", err)
		}
		cleanup.push("audit publisher", func(_ context.Context) error {
			return auditPub.Close()
		})
		a.logger.Info("mutation audit enabled",
			slog.Any("brokers", a.cfg.Audit.Brokers),
			slog.String("topic", auditPub.Topic()),
		)
	}

	gw, process, err := buildGateway(a.cfg, a.logger, gatewayDeps{
		resolver:        resolver.New(cat),
		caller:          executor,
		cache:           cache,
		audit:           auditPub,
		metrics:         gatewayMetrics,
		securityMetrics: securityMetrics,
	})
	if err != nil {
		return err
	}

	mux := buildRouter(a.cfg, a.logger, db, gw, process, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, tlsManager, err := buildServer(a.cfg, a.logger, handler, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})
	if tlsManager != nil {
		cleanup.push("TLS manager", func(_ context.Context) error {
			return tlsManager.Shutdown()
		})
	}

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.gatewayMetrics = gatewayMetrics
	a.securityMetrics = securityMetrics
	a.tracerProvider = tracerProvider
	a.db = db
	a.dbStatsReg = dbStatsReg
	a.executor = executor
	a.cache = cache
	a.auditPub = auditPub
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.tlsManager = tlsManager
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
