package review

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/sandbox"
)

// handleLease guarantees a sandbox handle is released exactly once.
type handleLease struct {
	once     sync.Once
	executor sandbox.Executor
	handle   *sandbox.Handle
	timeout  time.Duration
	retries  int
	delay    time.Duration
	logger   *slog.Logger
}

func (o *Orchestrator) lease(h *sandbox.Handle, logger *slog.Logger) *handleLease {
	return &handleLease{
		executor: o.executor,
		handle:   h,
		timeout:  o.cfg.ReleaseTimeout,
		retries:  o.cfg.ReleaseMaxRetries,
		delay:    o.cfg.ReleaseRetryDelay,
		logger:   logger,
	}
}

// Release tears the handle down on a context detached from ctx's
// cancellation, retrying with backoff. Failures are logged and suppressed;
// the sandbox reaper reclaims anything left behind.
func (l *handleLease) Release(ctx context.Context) {
	if l == nil || l.handle == nil {
		return
	}
	l.once.Do(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()

		var err error
		attempts := 0
		delay := l.delay
	retry:
		for attempts < l.retries {
			attempts++
			if err = l.executor.Release(rctx, l.handle); err == nil {
				l.logger.Debug("Sandbox released", "handle_id", l.handle.ID, "attempts", attempts)
				return
			}
			if attempts == l.retries {
				break
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-rctx.Done():
				break retry
			}
		}

		rerr := &domain.ReleaseError{HandleID: l.handle.ID, Attempts: attempts, Err: err}
		l.logger.Error("Failed to release sandbox", "handle_id", l.handle.ID, "error", rerr)
	})
}
