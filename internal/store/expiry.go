package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the expiry worker reclaims sessions.
const DefaultSweepInterval = 5 * time.Minute

// StartExpiryWorker runs a background goroutine that periodically deletes
// expired sessions until ctx is cancelled.
func StartExpiryWorker(ctx context.Context, s SessionStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Session expiry worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, s, logger)
			case <-ctx.Done():
				logger.Info("Session expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, s SessionStore, logger *slog.Logger) {
	deleted, err := s.DeleteExpired(ctx)
	if err != nil {
		logger.Error("Session expiry worker failed to delete expired sessions", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("Session expiry worker reclaimed sessions", "count", deleted)
	}
}
