package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/review-bridge/internal/council"
	"github.com/ashureev/review-bridge/internal/domain"
)

// DefaultFixSeverities are used when a fix request names none.
var DefaultFixSeverities = []domain.Severity{domain.SeverityCritical, domain.SeverityHigh}

// RequestFix asks the council to patch the submitted code for the report
// findings of the given severities. The stored session is never modified.
func (o *Orchestrator) RequestFix(ctx context.Context, id string, severities []string) (*domain.FixResult, error) {
	wanted, err := parseSeverities(severities)
	if err != nil {
		return nil, err
	}

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCompleted || sess.Report == nil {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrNotReady, id, sess.State)
	}

	findings := sess.Report.FindingsWithSeverity(wanted)
	if len(findings) == 0 {
		return &domain.FixResult{FixedCode: sess.Input.Code, Changes: []domain.Change{}}, nil
	}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FixTimeout)
	defer cancel()
	res, err := o.analyzer.Fix(fctx, council.FixRequest{
		Code:     sess.Input.Code,
		Language: sess.Input.Language,
		Findings: findings,
	})
	if err != nil {
		if fctx.Err() != nil && !domain.IsTransport(err) {
			err = &domain.TransportError{Op: "fix", Err: fctx.Err()}
		}
		o.logger.Warn("Fix synthesis failed", "session_id", id, "error", err)
		return nil, err
	}
	if res == nil {
		return nil, &domain.TransportError{Op: "fix", Err: errors.New("empty fix response")}
	}
	if res.Changes == nil {
		res.Changes = []domain.Change{}
	}
	o.logger.Info("Fix synthesized",
		"session_id", id,
		"findings", len(findings),
		"fixes_applied", res.FixesApplied)
	return res, nil
}

func parseSeverities(raw []string) ([]domain.Severity, error) {
	if len(raw) == 0 {
		return DefaultFixSeverities, nil
	}
	out := make([]domain.Severity, 0, len(raw))
	for _, r := range raw {
		s, err := domain.ParseSeverity(r)
		if err != nil {
			return nil, &domain.ValidationError{Field: "fix_priorities", Message: err.Error()}
		}
		out = append(out, s)
	}
	return out, nil
}
