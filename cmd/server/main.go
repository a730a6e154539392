package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sp-gateway/internal/catalog"
	"sp-gateway/internal/config"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/serverapp"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")
	pflag.Bool("print-catalog", false, "Print the procedure catalog as YAML and exit")
	pflag.Bool("check-connection", false, "Verify database connectivity and catalog procedures, then exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Println(versionString())
		return nil
	}
	if printOnly, _ := pflag.CommandLine.GetBool("print-catalog"); printOnly {
		return printCatalog(os.Stdout)
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	if err := validate(cfg); err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	flushLogs := func() {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
	}

	if checkOnly, _ := pflag.CommandLine.GetBool("check-connection"); checkOnly {
		defer flushLogs()
		return checkConnection(context.Background(), cfg, logger)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		flushLogs()
		return err
	}
	app.AttachLoggerProvider(loggerProvider)
	return serve(app, cfg, logger)
}

// validate logs every warning and error and fails if any error was found.
func validate(cfg *config.Config) error {
	result := cfg.Validate()
	for _, w := range result.Warnings {
		slog.Warn("configuration warning", "field", w.Field, "message", w.Message, "hint", w.Hint)
	}
	for _, e := range result.Errors {
		slog.Error("configuration error", "field", e.Field, "message", e.Message, "hint", e.Hint)
	}
	if result.HasErrors() {
		return fmt.Errorf("configuration validation failed: %d error(s)", len(result.Errors))
	}
	return nil
}

// serve runs the app until SIGINT/SIGTERM or a listener failure, then shuts
// it down within server.shutdown_timeout.
func serve(app *serverapp.App, cfg *config.Config, logger *logging.Logger) error {
	if err := app.Init(context.Background()); err != nil {
		return err
	}

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(ctx)
	}

	serverErrors, err := app.Start()
	if err != nil {
		_ = shutdown()
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	reason, waitErr := app.WaitForStop(stop, serverErrors)
	logger.Info("shutting down server", slog.String("reason", reason))

	if err := errors.Join(waitErr, shutdown()); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func versionString() string {
	return fmt.Sprintf("sp-gateway %s (%s)", Version, Commit)
}

func printCatalog(w io.Writer) error {
	return catalog.Default().WriteYAML(w)
}

func checkConnection(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	report, err := serverapp.CheckConnection(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connection check failed: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("database %q is not ready: %d of %d procedures missing", report.Database, len(report.Missing), report.Expected)
	}
	fmt.Printf("database %s ok: %d procedures available\n", report.Database, report.Expected)
	return nil
}
