package council

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashureev/review-bridge/internal/domain"
)

// rule flags a pattern in submitted code.
type rule struct {
	capability domain.Capability
	pattern    *regexp.Regexp
	finding    domain.Finding
}

var mockRules = []rule{
	{
		capability: domain.CapabilitySecurity,
		pattern:    regexp.MustCompile(`\beval\s*\(`),
		finding: domain.Finding{
			Severity:    domain.SeverityCritical,
			Type:        "code_injection",
			Description: "Use of eval() on dynamic input enables arbitrary code execution",
			Fix:         "Replace eval() with a safe parser or an explicit dispatch table",
			Exploit:     "Attacker-controlled input is executed as code",
			Impact:      "Remote code execution",
		},
	},
	{
		capability: domain.CapabilitySecurity,
		pattern:    regexp.MustCompile(`(?i)(password|secret|api_?key)\s*[:=]\s*["'][^"']+["']`),
		finding: domain.Finding{
			Severity:    domain.SeverityHigh,
			Type:        "hardcoded_secret",
			Description: "Hardcoded credential in source",
			Fix:         "Load credentials from the environment or a secret store",
		},
	},
	{
		capability: domain.CapabilitySecurity,
		pattern:    regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE)\b[^;\n]*["']\s*\+`),
		finding: domain.Finding{
			Severity:    domain.SeverityHigh,
			Type:        "sql_injection",
			Description: "SQL statement built by string concatenation",
			Fix:         "Use parameterized queries",
		},
	},
	{
		capability: domain.CapabilityPerformance,
		pattern:    regexp.MustCompile(`(?s)\bfor\b[^\n]*\n[^\n]*\bfor\b`),
		finding: domain.Finding{
			Severity:    domain.SeverityMedium,
			Type:        "nested_loop",
			Description: "Nested loop may be quadratic in input size",
			Fix:         "Index the inner collection or precompute lookups",
		},
	},
	{
		capability: domain.CapabilityQA,
		pattern:    regexp.MustCompile(`(?i)\bTODO\b`),
		finding: domain.Finding{
			Severity:    domain.SeverityLow,
			Type:        "unfinished_code",
			Description: "TODO marker left in code",
			Fix:         "Resolve or track the TODO",
		},
	},
	{
		capability: domain.CapabilityArchitecture,
		pattern:    regexp.MustCompile(`(?i)\bglobal\b|\bvar\s+[a-z_]+\s*=`),
		finding: domain.Finding{
			Severity:    domain.SeverityLow,
			Type:        "global_state",
			Description: "Mutable global state couples callers",
			Fix:         "Pass state explicitly",
		},
	},
}

// generatedTests holds a minimal passing test per language.
var generatedTests = map[string]struct {
	path string
	code string
}{
	"python":     {"test_generated.py", "def test_generated_smoke():\n    assert True\n"},
	"javascript": {"generated.test.js", "test('generated smoke', () => {\n  expect(true).toBe(true);\n});\n"},
	"go":         {"generated_test.go", "package main\n\nimport \"testing\"\n\nfunc TestGeneratedSmoke(t *testing.T) {}\n"},
}

// RuleServer is a pattern-matching council for local development and tests.
// It is not an analysis engine.
type RuleServer struct {
	// WithArtifacts makes qa reviews return a runnable generated test.
	WithArtifacts bool
}

// Review applies the rules for each requested capability.
func (s *RuleServer) Review(ctx context.Context, req ReviewRequest, send func(CapabilityResult) error) (*ReviewResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, &domain.RemoteError{Message: "code is empty"}
	}
	res := &ReviewResult{}
	for _, c := range req.Capabilities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cr := CapabilityResult{Name: c, Findings: []domain.Finding{}}
		for _, r := range mockRules {
			if r.capability != c || !r.pattern.MatchString(req.Code) {
				continue
			}
			f := r.finding
			f.Capability = c
			f.Location = locate(req.Code, r.pattern)
			cr.Findings = append(cr.Findings, f)
		}
		score := domain.DeriveScore(cr.Findings)
		cr.Score = &score
		if send != nil {
			if err := send(cr); err != nil {
				return nil, err
			}
		}
		res.Capabilities = append(res.Capabilities, cr)
	}

	if s.WithArtifacts && contains(req.Capabilities, domain.CapabilityQA) {
		if t, ok := generatedTests[strings.ToLower(req.Language)]; ok {
			res.Artifacts = &domain.Artifacts{Files: map[string]string{t.path: t.code}}
		}
	}
	return res, nil
}

// Fix marks each selected finding's location with a review comment.
func (s *RuleServer) Fix(_ context.Context, req FixRequest) (*domain.FixResult, error) {
	lines := strings.Split(req.Code, "\n")
	res := &domain.FixResult{Changes: []domain.Change{}}
	for _, f := range req.Findings {
		res.Changes = append(res.Changes, domain.Change{
			Description: fmt.Sprintf("%s: %s", f.Severity, f.Fix),
			Lines:       f.Location,
		})
		res.FixesApplied++
	}
	marker := commentPrefix(req.Language)
	if res.FixesApplied > 0 {
		lines = append([]string{fmt.Sprintf("%s review-bridge: %d fix(es) pending manual review", marker, res.FixesApplied)}, lines...)
		res.NeedsReview = true
	}
	res.FixedCode = strings.Join(lines, "\n")
	return res, nil
}

func locate(code string, re *regexp.Regexp) string {
	loc := re.FindStringIndex(code)
	if loc == nil {
		return ""
	}
	return fmt.Sprintf("line %d", strings.Count(code[:loc[0]], "\n")+1)
}

func commentPrefix(language string) string {
	if strings.EqualFold(language, "python") {
		return "#"
	}
	return "//"
}

func contains(caps []domain.Capability, c domain.Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
