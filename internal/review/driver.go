package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/review-bridge/internal/council"
	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/sandbox"
)

// Progress milestones published by the driver.
const (
	progressAnalyzing    = 10
	progressAnalysisCall = 20
	progressAnalysisSpan = 35
	progressAnalysisDone = 60
	progressSandboxReady = 75
)

// failureWriteTimeout bounds the write that records a failure after the
// driver's own context is gone.
const failureWriteTimeout = 5 * time.Second

// drive runs one session from pending to a terminal state.
func (o *Orchestrator) drive(ctx context.Context, id string) {
	logger := o.logger.With("session_id", id)

	select {
	case o.slots <- struct{}{}:
		defer func() { <-o.slots }()
	case <-ctx.Done():
		o.abort(ctx, id, &domain.TransportError{Op: "dispatch", Err: ctx.Err()}, logger)
		return
	}

	sess, err := o.update(ctx, id, "Analysis started", func(s *domain.Session) error {
		if err := s.Transition(domain.StateAnalyzing, o.now()); err != nil {
			return err
		}
		for _, c := range s.Capabilities {
			s.SetCapability(c.Name, domain.CapabilityRunning, nil, "")
		}
		s.AdvanceProgress(progressAnalyzing)
		return nil
	})
	if err != nil {
		o.abort(ctx, id, err, logger)
		return
	}

	sess, err = o.update(ctx, id, "Consulting the review council", func(s *domain.Session) error {
		s.AdvanceProgress(progressAnalysisCall)
		s.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		o.abort(ctx, id, err, logger)
		return
	}

	result, err := o.analyze(ctx, sess, logger)
	if err != nil {
		o.abort(ctx, id, err, logger)
		return
	}

	caps, err := capabilityReports(sess.Input.Capabilities, result)
	report := domain.Synthesize(caps, nil)
	_, uerr := o.update(ctx, id, "Analysis complete", func(s *domain.Session) error {
		applyCapabilities(s, report)
		s.AdvanceProgress(progressAnalysisDone)
		s.UpdatedAt = o.now()
		return nil
	})
	if uerr != nil {
		o.abort(ctx, id, uerr, logger)
		return
	}
	if err != nil {
		o.abort(ctx, id, err, logger)
		return
	}
	logger.Info("Analysis finished",
		"score", report.OverallScore,
		"findings", len(report.Findings),
		"runnable_artifacts", result.Artifacts.Runnable())

	if result.Artifacts.Runnable() {
		sess, err = o.update(ctx, id, "Executing generated tests", func(s *domain.Session) error {
			return s.Transition(domain.StateExecuting, o.now())
		})
		if err != nil {
			o.abort(ctx, id, err, logger)
			return
		}
		exec, err := o.execute(ctx, sess, result.Artifacts, logger)
		if err != nil {
			o.abort(ctx, id, err, logger)
			return
		}
		report = domain.MergeExecution(report, exec)
		logger.Info("Execution finished",
			"environment", exec.Environment,
			"passed", exec.Passed,
			"commands", len(exec.Commands))
	}

	_, err = o.update(ctx, id, "Review completed", func(s *domain.Session) error {
		applyCapabilities(s, report)
		return s.Complete(report.Clone(), o.now())
	})
	if err != nil {
		o.abort(ctx, id, err, logger)
		return
	}
	logger.Info("Review completed",
		"score", report.OverallScore,
		"quality_gate", report.QualityGate)
}

// analyze calls the council with the analysis timeout and mirrors streamed
// capability results into the session.
func (o *Orchestrator) analyze(ctx context.Context, sess *domain.Session, logger *slog.Logger) (*council.ReviewResult, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()

	requested := make(map[domain.Capability]bool, len(sess.Input.Capabilities))
	for _, c := range sess.Input.Capabilities {
		requested[c] = true
	}

	var (
		mu       sync.Mutex
		reported = make(map[domain.Capability]bool)
	)
	onCapability := func(cr council.CapabilityResult) {
		mu.Lock()
		defer mu.Unlock()
		if !requested[cr.Name] || reported[cr.Name] {
			return
		}
		reported[cr.Name] = true
		pct := progressAnalysisCall + progressAnalysisSpan*len(reported)/len(requested)

		status, msg := domain.CapabilityCompleted, fmt.Sprintf("%s analysis finished", cr.Name)
		if cr.Error != "" {
			status, msg = domain.CapabilityFailed, fmt.Sprintf("%s analysis failed", cr.Name)
		}
		score := cr.Score
		if score == nil && status == domain.CapabilityCompleted {
			s := domain.DeriveScore(cr.Findings)
			score = &s
		}
		_, err := o.update(ctx, sess.ID, msg, func(s *domain.Session) error {
			s.SetCapability(cr.Name, status, score, cr.Error)
			s.AdvanceProgress(pct)
			s.UpdatedAt = o.now()
			return nil
		})
		if err != nil {
			logger.Debug("Capability update not persisted", "capability", cr.Name, "error", err)
		}
	}

	res, err := o.analyzer.Review(actx, council.ReviewRequest{
		Code:         sess.Input.Code,
		Language:     sess.Input.Language,
		Context:      sess.Input.Context,
		Capabilities: sess.Input.Capabilities,
	}, onCapability)
	if err != nil {
		if actx.Err() != nil && !domain.IsTransport(err) {
			return nil, &domain.TransportError{Op: "analysis", Err: actx.Err()}
		}
		return nil, err
	}
	if res == nil {
		return nil, &domain.TransportError{Op: "analysis", Err: errors.New("empty response from council")}
	}
	return res, nil
}

// execute runs the artifacts in a fresh sandbox. The handle is released on
// every path out of this function.
func (o *Orchestrator) execute(ctx context.Context, sess *domain.Session, artifacts *domain.Artifacts, logger *slog.Logger) (*domain.ExecutionResult, error) {
	profile, err := o.profiles.Resolve(artifacts.Environment, sess.Input.Language)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox profile: %w", err)
	}

	ectx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	defer cancel()

	h, err := o.executor.Provision(ectx, profile)
	l := o.lease(h, logger)
	defer l.Release(ctx)
	if err != nil {
		if ectx.Err() != nil && !domain.IsTransport(err) {
			err = &domain.TransportError{Op: "provision", Err: ectx.Err()}
		}
		return nil, fmt.Errorf("provision %s sandbox: %w", profile.Name, err)
	}
	if h == nil {
		return nil, &domain.TransportError{Op: "provision", Err: errors.New("no sandbox handle returned")}
	}
	logger = logger.With("handle_id", h.ID, "profile", profile.Name)

	files := sandbox.PrepareFiles(profile, artifacts, sess.Input.Code)
	commands := sandbox.CommandsFor(profile, artifacts)
	if _, err := o.update(ctx, sess.ID, fmt.Sprintf("Sandbox ready, running %d command(s)", len(commands)), func(s *domain.Session) error {
		s.AdvanceProgress(progressSandboxReady)
		s.UpdatedAt = o.now()
		return nil
	}); err != nil {
		return nil, err
	}

	logger.Debug("Running artifacts", "files", len(files), "commands", strings.Join(commands, " && "))
	res, err := o.executor.Run(ectx, h, files, commands)
	if err != nil {
		if ectx.Err() != nil && !domain.IsTransport(err) {
			err = &domain.TransportError{Op: "execute", Err: ectx.Err()}
		}
		return nil, fmt.Errorf("execute in sandbox: %w", err)
	}
	if res == nil {
		return nil, &domain.TransportError{Op: "execute", Err: errors.New("empty execution result")}
	}
	if res.Environment == "" {
		res.Environment = profile.Name
	}
	return res, nil
}

// abort ends the driver. A deleted session is left alone; anything else fails
// the session with err as the cause.
func (o *Orchestrator) abort(ctx context.Context, id string, err error, logger *slog.Logger) {
	if errors.Is(err, domain.ErrNotFound) {
		logger.Info("Session removed during review, discarding result")
		return
	}
	if errors.Is(err, domain.ErrTerminal) {
		logger.Warn("Driver found session already terminal", "error", err)
		return
	}

	logger.Error("Review failed", "error", err, "transport", domain.IsTransport(err))
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	_, uerr := o.update(wctx, id, "Review failed", func(s *domain.Session) error {
		for _, c := range s.Capabilities {
			if c.Status == domain.CapabilityRunning || c.Status == domain.CapabilityPending {
				s.SetCapability(c.Name, domain.CapabilityFailed, nil, "review aborted")
			}
		}
		return s.Fail(err.Error(), o.now())
	})
	if uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
		logger.Error("Failed to record session failure", "error", uerr)
	}
}

// capabilityReports pairs each requested capability with its result. Missing
// or errored capabilities fail individually; the error is non-nil only when
// every requested capability failed.
func capabilityReports(requested []domain.Capability, res *council.ReviewResult) ([]domain.CapabilityReport, error) {
	out := make([]domain.CapabilityReport, 0, len(requested))
	var causes []string
	for _, name := range requested {
		cr, ok := res.Capability(name)
		switch {
		case !ok:
			msg := "not reported by the review council"
			out = append(out, domain.CapabilityReport{Name: name, Status: domain.CapabilityFailed, Findings: []domain.Finding{}, Error: msg})
			causes = append(causes, fmt.Sprintf("%s: %s", name, msg))
		case cr.Error != "":
			out = append(out, domain.CapabilityReport{Name: name, Status: domain.CapabilityFailed, Findings: []domain.Finding{}, Error: cr.Error})
			causes = append(causes, fmt.Sprintf("%s: %s", name, cr.Error))
		default:
			out = append(out, domain.CapabilityReport{
				Name:     name,
				Status:   domain.CapabilityCompleted,
				Score:    cr.Score,
				Findings: append([]domain.Finding{}, cr.Findings...),
				Details:  cr.Details,
			})
		}
	}
	if len(causes) == len(requested) {
		return out, &domain.RemoteError{Message: "all requested capabilities failed (" + strings.Join(causes, "; ") + ")"}
	}
	return out, nil
}

// applyCapabilities mirrors report capability outcomes into the session's
// status list. Capabilities that were not requested are ignored.
func applyCapabilities(s *domain.Session, r *domain.Report) {
	for _, c := range r.Capabilities {
		s.SetCapability(c.Name, c.Status, c.Score, c.Error)
	}
}
