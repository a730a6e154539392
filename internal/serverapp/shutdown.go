package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sp-gateway/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack []cleanupItem

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	*s = append(*s, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup even after failures and joins their errors.
func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		item := s[i]
		if logger != nil {
			logger.Debug("releasing " + item.name)
		}
		if err := item.fn(ctx); err != nil {
			if logger != nil {
				logger.Warn("cleanup failed",
					slog.String("component", item.name),
					slog.String("error", err.Error()),
				)
			}
			errs = append(errs, fmt.Errorf("%s: %w", item.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases everything Init acquired. Only the first call does any
// work; later calls return the same result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = cleanup.run(ctx, a.logger)
	})
	return a.shutdownErr
}
