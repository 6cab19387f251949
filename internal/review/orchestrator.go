// Package review drives review sessions through analysis and execution.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/review-bridge/internal/council"
	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/progress"
	"github.com/ashureev/review-bridge/internal/sandbox"
	"github.com/ashureev/review-bridge/internal/store"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("review orchestrator is shutting down")

// Config holds the orchestrator's timeouts and limits.
type Config struct {
	AnalysisTimeout       time.Duration
	ExecutionTimeout      time.Duration
	FixTimeout            time.Duration
	ReleaseTimeout        time.Duration
	ReleaseMaxRetries     int
	ReleaseRetryDelay     time.Duration
	MaxConcurrentSessions int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisTimeout:       120 * time.Second,
		ExecutionTimeout:      180 * time.Second,
		FixTimeout:            120 * time.Second,
		ReleaseTimeout:        30 * time.Second,
		ReleaseMaxRetries:     3,
		ReleaseRetryDelay:     500 * time.Millisecond,
		MaxConcurrentSessions: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = d.AnalysisTimeout
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = d.FixTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	if c.ReleaseMaxRetries <= 0 {
		c.ReleaseMaxRetries = d.ReleaseMaxRetries
	}
	if c.ReleaseRetryDelay <= 0 {
		c.ReleaseRetryDelay = d.ReleaseRetryDelay
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	return c
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store    store.SessionStore
	Hub      *progress.Hub
	Analyzer council.Analyzer
	// Executor defaults to sandbox.Disabled.
	Executor sandbox.Executor
	// Profiles defaults to the embedded catalog.
	Profiles *sandbox.Catalog
	Logger   *slog.Logger
}

// Orchestrator owns the session lifecycle. Each session is driven by exactly
// one background goroutine.
type Orchestrator struct {
	store    store.SessionStore
	hub      *progress.Hub
	analyzer council.Analyzer
	executor sandbox.Executor
	profiles *sandbox.Catalog
	cfg      Config
	logger   *slog.Logger

	slots    chan struct{}
	active   sync.Map
	inflight atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	now      func() time.Time
	newID    func() string
	dispatch func(func())
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("review: session store is required")
	}
	if deps.Hub == nil {
		return nil, errors.New("review: progress hub is required")
	}
	if deps.Analyzer == nil {
		return nil, errors.New("review: analyzer is required")
	}
	if deps.Executor == nil {
		deps.Executor = sandbox.Disabled{}
	}
	if deps.Profiles == nil {
		catalog, err := sandbox.LoadCatalog("")
		if err != nil {
			return nil, fmt.Errorf("load default sandbox profiles: %w", err)
		}
		deps.Profiles = catalog
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    deps.Store,
		hub:      deps.Hub,
		analyzer: deps.Analyzer,
		executor: deps.Executor,
		profiles: deps.Profiles,
		cfg:      cfg,
		logger:   deps.Logger,
		slots:    make(chan struct{}, cfg.MaxConcurrentSessions),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		newID:    uuid.NewString,
		dispatch: func(f func()) { go f() },
	}, nil
}

// Submit validates in, persists a pending session and starts its driver. It
// never waits for analysis.
func (o *Orchestrator) Submit(ctx context.Context, in domain.Input) (*domain.Session, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	sess := domain.NewSession(o.newID(), in, o.now())
	if err := o.store.Put(ctx, sess); err != nil {
		o.wg.Done()
		return nil, fmt.Errorf("persist session: %w", err)
	}
	o.publish(sess, "Review queued")

	o.logger.Info("Review submitted",
		"session_id", sess.ID,
		"language", in.Language,
		"capabilities", in.Capabilities)
	o.start(sess.ID)
	return sess, nil
}

// start hands the session to a driver unless one already owns it. The caller
// has already added to the wait group.
func (o *Orchestrator) start(id string) {
	if _, loaded := o.active.LoadOrStore(id, struct{}{}); loaded {
		o.wg.Done()
		return
	}
	o.inflight.Add(1)
	o.dispatch(func() {
		defer o.wg.Done()
		defer o.inflight.Add(-1)
		defer o.active.Delete(id)
		o.drive(o.ctx, id)
	})
}

// GetStatus returns the current session snapshot.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*domain.Session, error) {
	return o.store.Get(ctx, id)
}

// GetReport returns the report of a completed session.
func (o *Orchestrator) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCompleted || sess.Report == nil {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrNotReady, id, sess.State)
	}
	return sess.Report, nil
}

// Delete removes the session and closes its subscriptions. Deleting an
// unknown session succeeds. An in-flight driver is not interrupted; it notices
// the missing session on its next write and only releases its resources. The
// hub stamps the deleted event with the last published progress.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	o.hub.Publish(id, progress.Event{
		State:     progress.StateDeleted,
		Message:   "Session deleted",
		Timestamp: o.now(),
	})
	o.logger.Info("Review deleted", "session_id", id)
	return nil
}

// Subscribe registers for live events and then reads the snapshot, so a
// transition between the two is never lost. When the snapshot is already
// terminal the subscription is returned closed.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*progress.Subscription, *domain.Session, error) {
	sub := o.hub.Subscribe(id)
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		o.hub.Unsubscribe(sub)
		return nil, nil, err
	}
	if sess.State.Terminal() {
		o.hub.Unsubscribe(sub)
	}
	return sub, sess, nil
}

// Unsubscribe releases a subscription obtained from Subscribe.
func (o *Orchestrator) Unsubscribe(sub *progress.Subscription) {
	o.hub.Unsubscribe(sub)
}

// InFlight returns the number of sessions with a live driver.
func (o *Orchestrator) InFlight() int {
	return int(o.inflight.Load())
}

// Shutdown stops accepting submissions, cancels in-flight drivers and waits
// for them. Cancelled drivers still fail their sessions and release handles.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Review orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for review drivers: %w", ctx.Err())
	}
}

// update applies fn to the stored session and publishes the result.
func (o *Orchestrator) update(ctx context.Context, id, message string, fn func(*domain.Session) error) (*domain.Session, error) {
	sess, err := o.store.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	o.publish(sess, message)
	return sess, nil
}

func (o *Orchestrator) publish(sess *domain.Session, message string) {
	ev := progress.Event{
		State:        sess.State,
		Progress:     sess.Progress,
		Message:      message,
		Capabilities: sess.Capabilities,
		Error:        sess.Error,
		Timestamp:    sess.UpdatedAt,
	}
	if sess.State == domain.StateCompleted {
		ev.Report = sess.Report
	}
	o.hub.Publish(sess.ID, ev)
}

func normalizeInput(in domain.Input) (domain.Input, error) {
	if strings.TrimSpace(in.Code) == "" {
		return in, &domain.ValidationError{Field: "code", Message: "code is required"}
	}
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if in.Language == "" {
		return in, &domain.ValidationError{Field: "language", Message: "language is required"}
	}
	if len(in.Capabilities) == 0 {
		return in, &domain.ValidationError{Field: "capabilities", Message: "at least one capability is required"}
	}
	seen := make(map[domain.Capability]bool, len(in.Capabilities))
	caps := make([]domain.Capability, 0, len(in.Capabilities))
	for _, raw := range in.Capabilities {
		c, err := domain.ParseCapability(string(raw))
		if err != nil {
			return in, &domain.ValidationError{Field: "capabilities", Message: err.Error()}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	in.Capabilities = caps
	return in, nil
}
