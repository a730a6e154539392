package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"sp-gateway/internal/catalog"
	"sp-gateway/internal/config"
	"sp-gateway/internal/introspection"
	"sp-gateway/internal/logging"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const maxRetryInterval = 30 * time.Second

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}
	dsn := cfg.Database.DSN()

	obs := cfg.Observability
	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		return db, nil, err
	}

	opts := []otelsql.Option{otelsql.WithAttributes(semconv.DBSystemMySQL)}
	if obs.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
	}
	switch {
	case obs.SQLCommenterEnabled && obs.TracingEnabled:
		opts = append(opts, otelsql.WithSQLCommenter(true))
	case obs.SQLCommenterEnabled:
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	db, err := otelsql.Open("mysql", dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if obs.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("sqlcommenter", obs.SQLCommenterEnabled && obs.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database.ConnectionTimeout, cfg.Database.ConnectionRetryInterval, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database", effectiveDatabase),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// waitForDatabase pings db until it answers or timeout passes, doubling the
// interval between attempts up to maxRetryInterval. A zero timeout pings once.
func waitForDatabase(ctx context.Context, timeout, interval time.Duration, logger *logging.Logger, db *sql.DB) error {
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

// ProcedureReport summarizes what the connected database offers against
// what the catalog needs.
type ProcedureReport struct {
	Database   string
	Expected   int
	Missing    []string
	Privileges *introspection.PrivilegeCheckResult
}

// OK reports whether every procedure exists and the user can run them.
// Role grants are trusted since their privileges are not visible here.
func (r ProcedureReport) OK() bool {
	if len(r.Missing) > 0 || r.Privileges == nil {
		return false
	}
	return r.Privileges.CanExecute || r.Privileges.HasRoleGrants
}

func inspectProcedures(ctx context.Context, db *sql.DB, database string, cat *catalog.Catalog) (ProcedureReport, error) {
	expected := introspection.ExpectedProcedures(cat)
	report := ProcedureReport{Database: database, Expected: len(expected)}

	missing, err := introspection.MissingProcedures(ctx, db, database, expected)
	if err != nil {
		return report, err
	}
	report.Missing = missing

	privileges, err := introspection.CheckExecutePrivilege(ctx, db, database)
	if err != nil {
		return report, err
	}
	report.Privileges = privileges
	return report, nil
}

// verifyProcedures logs the procedure report. In strict mode any finding,
// or a failed lookup, aborts startup.
func verifyProcedures(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, database string, cat *catalog.Catalog) error {
	if !cfg.Database.VerifyProcedures {
		return nil
	}
	strict := cfg.Database.VerifyProceduresStrict

	report, err := inspectProcedures(ctx, db, database, cat)
	if err != nil {
		if strict {
			return fmt.Errorf("procedure verification failed: %w", err)
		}
		logger.Warn("procedure verification skipped", slog.String("error", err.Error()))
		return nil
	}

	logProcedureReport(logger, report)
	if strict && !report.OK() {
		return fmt.Errorf("database %q is not ready for the gateway: %d missing procedures", database, len(report.Missing))
	}
	return nil
}

func logProcedureReport(logger *logging.Logger, report ProcedureReport) {
	if len(report.Missing) > 0 {
		logger.Warn("catalog procedures missing from database",
			slog.String("database", report.Database),
			slog.Int("missing_count", len(report.Missing)),
			slog.Any("missing", report.Missing),
		)
	}
	if p := report.Privileges; p != nil {
		if !p.CanExecute && !p.HasRoleGrants {
			logger.Warn("database user has no EXECUTE grant on the target database",
				slog.String("database", report.Database),
				slog.String("hint", "GRANT EXECUTE ON <database>.* TO the gateway user"),
			)
		}
		if p.HasBroadWriting {
			logger.Warn("database user can write tables directly",
				slog.String("hint", "a user limited to EXECUTE keeps every write inside the procedures"),
			)
		}
	}
	if report.OK() {
		logger.Info("catalog procedures verified",
			slog.String("database", report.Database),
			slog.Int("procedures", report.Expected),
		)
	}
}

// CheckConnection connects once, without retries, and inspects the catalog
// procedures. It backs the --check-connection command.
func CheckConnection(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ProcedureReport, error) {
	database, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return ProcedureReport{}, err
	}
	if err := cfg.Database.RegisterTLS(); err != nil {
		return ProcedureReport{}, err
	}

	db, err := sql.Open("mysql", cfg.Database.DSN())
	if err != nil {
		return ProcedureReport{}, err
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Server.HealthCheckTimeout+5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return ProcedureReport{Database: database}, fmt.Errorf("failed to reach database: %w", err)
	}

	report, err := inspectProcedures(ctx, db, database, catalog.Default())
	if err != nil {
		return report, err
	}
	logProcedureReport(logger, report)
	return report, nil
}
