package sandbox

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultReapInterval is how often orphaned containers are swept.
	DefaultReapInterval = 10 * time.Minute
	// DefaultMaxAge bounds how long any sandbox may live.
	DefaultMaxAge = time.Hour
)

// Reaper removes run-environments older than a maximum age.
type Reaper interface {
	ReapOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// StartReaper runs a background goroutine that periodically removes
// sandboxes that outlived maxAge, bounding leaks from crashed drivers.
func StartReaper(ctx context.Context, r Reaper, interval, maxAge time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Sandbox reaper started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				removed, err := r.ReapOlderThan(ctx, maxAge)
				if err != nil {
					logger.Error("Sandbox reaper failed", "error", err, "removed", removed)
					continue
				}
				if removed > 0 {
					logger.Info("Sandbox reaper removed orphaned sandboxes", "count", removed)
				}
			case <-ctx.Done():
				logger.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
