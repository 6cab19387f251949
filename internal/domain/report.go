package domain

import (
	"fmt"
	"strings"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity normalizes s to a known severity.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Gate is the derived pass/fail verdict of a report.
type Gate string

const (
	GatePassed Gate = "passed"
	GateFailed Gate = "failed"
)

const (
	gateMinScore       = 70
	maxPriorityFixes   = 10
	defaultScore       = 50
	findingTypeTest    = "test_failure"
	findingTypeCommand = "execution_error"
)

// Finding is one issue reported by a capability or derived from execution.
type Finding struct {
	Capability  Capability `json:"capability"`
	Severity    Severity   `json:"severity"`
	Type        string     `json:"type,omitempty"`
	Description string     `json:"description"`
	Location    string     `json:"location,omitempty"`
	Fix         string     `json:"fix,omitempty"`
	Exploit     string     `json:"exploit,omitempty"`
	Impact      string     `json:"impact,omitempty"`
}

// CapabilityReport is the per-capability detail inside a report.
type CapabilityReport struct {
	Name         Capability      `json:"name"`
	Status       CapabilityState `json:"status"`
	Score        *int            `json:"score,omitempty"`
	ScoreDerived bool            `json:"score_derived,omitempty"`
	Findings     []Finding       `json:"findings"`
	Details      map[string]any  `json:"details,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Summary counts findings by severity.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// PriorityFix is one entry of the ordered must-fix list.
type PriorityFix struct {
	Priority   int        `json:"priority"`
	Issue      string     `json:"issue"`
	Severity   Severity   `json:"severity"`
	Capability Capability `json:"capability"`
	Fix        string     `json:"fix"`
}

// Report is the aggregated outcome of a completed session.
type Report struct {
	OverallScore   int                `json:"overall_score"`
	QualityGate    Gate               `json:"quality_gate"`
	Summary        Summary            `json:"summary"`
	Findings       []Finding          `json:"findings"`
	PriorityFixes  []PriorityFix      `json:"priority_fixes"`
	Capabilities   []CapabilityReport `json:"capabilities"`
	Execution      *ExecutionResult   `json:"execution,omitempty"`
	Recommendation string             `json:"recommendation"`
}

// DeriveScore computes a score from findings when a collaborator gave none.
func DeriveScore(findings []Finding) int {
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			score -= 25
		case SeverityHigh:
			score -= 10
		case SeverityMedium:
			score -= 5
		case SeverityLow:
			score--
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// Synthesize aggregates capability outcomes and an optional execution result
// into a report. Execution findings are attached to the qa capability when it
// was requested.
func Synthesize(caps []CapabilityReport, exec *ExecutionResult) *Report {
	caps = cloneCapabilityReports(caps)
	if extra := ExecutionFindings(exec); len(extra) > 0 {
		attached := false
		for i := range caps {
			if caps[i].Name == CapabilityQA && caps[i].Status != CapabilityFailed {
				caps[i].Findings = append(caps[i].Findings, extra...)
				if caps[i].ScoreDerived {
					caps[i].Score = nil
				}
				attached = true
				break
			}
		}
		if !attached {
			caps = append(caps, CapabilityReport{
				Name:     CapabilityQA,
				Status:   CapabilityCompleted,
				Findings: extra,
			})
		}
	}

	r := &Report{Capabilities: caps, Execution: exec.Clone()}
	total, counted := 0, 0
	for i := range caps {
		c := &caps[i]
		if c.Status == CapabilityFailed {
			continue
		}
		if c.Score == nil {
			s := DeriveScore(c.Findings)
			c.Score = &s
			c.ScoreDerived = true
		}
		total += *c.Score
		counted++
		for _, f := range c.Findings {
			if f.Capability == "" {
				f.Capability = c.Name
			}
			r.Findings = append(r.Findings, f)
		}
	}
	r.OverallScore = defaultScore
	if counted > 0 {
		r.OverallScore = total / counted
	}
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityCritical:
			r.Summary.Critical++
		case SeverityHigh:
			r.Summary.High++
		case SeverityMedium:
			r.Summary.Medium++
		case SeverityLow:
			r.Summary.Low++
		}
	}

	r.QualityGate = GateFailed
	if r.Summary.Critical == 0 && r.Summary.High == 0 && r.OverallScore >= gateMinScore {
		r.QualityGate = GatePassed
	}
	r.PriorityFixes = priorityFixes(r.Findings)
	r.Recommendation = recommendation(r)
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	return r
}

// FindingsWithSeverity returns the report findings whose severity is listed.
func (r *Report) FindingsWithSeverity(severities []Severity) []Finding {
	want := make(map[Severity]bool, len(severities))
	for _, s := range severities {
		want[s] = true
	}
	var out []Finding
	for _, f := range r.Findings {
		if want[f.Severity] {
			out = append(out, f)
		}
	}
	return out
}

func priorityFixes(findings []Finding) []PriorityFix {
	fixes := make([]PriorityFix, 0, maxPriorityFixes)
	for _, sev := range []Severity{SeverityCritical, SeverityHigh} {
		for _, f := range findings {
			if f.Severity != sev {
				continue
			}
			if len(fixes) == maxPriorityFixes {
				return fixes
			}
			fix := f.Fix
			if fix == "" {
				fix = "Manual review required"
			}
			fixes = append(fixes, PriorityFix{
				Priority:   len(fixes) + 1,
				Issue:      f.Description,
				Severity:   f.Severity,
				Capability: f.Capability,
				Fix:        fix,
			})
		}
	}
	return fixes
}

func recommendation(r *Report) string {
	switch {
	case r.QualityGate == GatePassed:
		return "Code meets quality standards and is ready for production."
	case r.Summary.Critical > 0:
		return fmt.Sprintf("CRITICAL: %d critical issue(s) must be fixed before deployment.", r.Summary.Critical)
	case r.Summary.High > 0:
		return fmt.Sprintf("Fix %d high-priority issue(s) before deployment.", r.Summary.High)
	default:
		return "Address medium and low priority issues to improve code quality."
	}
}

func cloneCapabilityReports(in []CapabilityReport) []CapabilityReport {
	out := make([]CapabilityReport, len(in))
	for i, c := range in {
		c.Findings = append([]Finding(nil), c.Findings...)
		if c.Score != nil {
			v := *c.Score
			c.Score = &v
		}
		out[i] = c
	}
	return out
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Findings = append([]Finding(nil), r.Findings...)
	c.PriorityFixes = append([]PriorityFix(nil), r.PriorityFixes...)
	c.Capabilities = cloneCapabilityReports(r.Capabilities)
	c.Execution = r.Execution.Clone()
	return &c
}

// Change describes one edit made by fix synthesis.
type Change struct {
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Lines       string `json:"lines,omitempty"`
}

// FixResult is the patched output returned by RequestFix.
type FixResult struct {
	FixedCode    string   `json:"fixed_code"`
	Changes      []Change `json:"changes"`
	FixesApplied int      `json:"fixes_applied"`
	NeedsReview  bool     `json:"needs_review"`
}

// MergeExecution re-synthesizes r with an execution result folded in. r must
// not already carry execution findings.
func MergeExecution(r *Report, exec *ExecutionResult) *Report {
	if r == nil {
		return Synthesize(nil, exec)
	}
	return Synthesize(r.Capabilities, exec)
}
