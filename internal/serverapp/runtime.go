package serverapp

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Reasons returned by WaitForStop.
const (
	StopSignal      = "signal"
	StopServerError = "server_error"
)

// Start launches the HTTP server goroutine. It requires Init to have completed
// and is a no-op when the server already runs.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, errors.New("app is not initialized")
	}
	if !a.started {
		a.serverErrors = startServer(a.cfg, a.logger, a.srv, a.serverAddr)
		a.started = true
	}
	return a.serverErrors, nil
}

// WaitForStop blocks until a signal arrives on stop or the server fails.
// A nil serverErrors falls back to the channel created by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (reason string, err error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		if a.serverErrors != nil {
			serverErrors = a.serverErrors
		}
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", errors.New("nothing to wait for: stop and serverErrors are both nil")
	}

	// A nil channel never becomes ready, so one select covers every case.
	select {
	case err := <-serverErrors:
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
		return StopServerError, fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return StopSignal, nil
	}
}
