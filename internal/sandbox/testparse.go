package sandbox

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/review-bridge/internal/domain"
)

var testCommandMarkers = []string{"test", "pytest", "jest", "mocha"}

var (
	jestSummary  = regexp.MustCompile(`(?m)^Tests:\s+(.*\d+\s+total)`)
	jestFailure  = regexp.MustCompile(`(?m)^\s*● (.+)$`)
	countPattern = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|total|errors?)`)

	pytestSummary = regexp.MustCompile(`(?m)^=*\s*((?:\d+\s+\w+,?\s*)+)in\s+[\d.]+s`)
	pytestFailure = regexp.MustCompile(`(?m)^(?:FAILED|ERROR)\s+(\S+)(?:\s+-\s+(.*))?$`)

	goResult = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP): (\S+)`)
	goPkg    = regexp.MustCompile(`(?m)^(ok|FAIL)\s+\S+`)
)

// looksLikeTest reports whether a command is expected to print test results.
func looksLikeTest(command string) bool {
	for _, m := range testCommandMarkers {
		if strings.Contains(command, m) {
			return true
		}
	}
	return false
}

// ParseTestOutput extracts structured results from jest, pytest or go test
// output. It returns nil when command is not a test command or no known
// format is found.
func ParseTestOutput(command, stdout, stderr string) *domain.TestResults {
	if !looksLikeTest(command) {
		return nil
	}
	out := stdout + "\n" + stderr
	if r := parseJest(out); r != nil {
		return r
	}
	if r := parsePytest(out); r != nil {
		return r
	}
	return parseGoTest(out)
}

func counts(summary string) map[string]int {
	m := make(map[string]int)
	for _, match := range countPattern.FindAllStringSubmatch(summary, -1) {
		n, _ := strconv.Atoi(match[1])
		key := match[2]
		if key == "error" {
			key = "errors"
		}
		m[key] += n
	}
	return m
}

func parseJest(out string) *domain.TestResults {
	m := jestSummary.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	c := counts(m[1])
	r := &domain.TestResults{
		Total:   c["total"],
		Passed:  c["passed"],
		Failed:  c["failed"],
		Skipped: c["skipped"],
	}
	if r.Failed == 0 && r.Total > r.Passed+r.Skipped {
		r.Failed = r.Total - r.Passed - r.Skipped
	}
	for _, f := range jestFailure.FindAllStringSubmatch(out, -1) {
		r.Failures = append(r.Failures, domain.TestFailure{Name: strings.TrimSpace(f[1])})
	}
	return r
}

func parsePytest(out string) *domain.TestResults {
	matches := pytestSummary.FindAllStringSubmatch(out, -1)
	if matches == nil {
		return nil
	}
	c := counts(matches[len(matches)-1][1])
	r := &domain.TestResults{
		Passed:  c["passed"],
		Failed:  c["failed"] + c["errors"],
		Skipped: c["skipped"],
	}
	r.Total = r.Passed + r.Failed + r.Skipped
	if r.Total == 0 {
		return nil
	}
	for _, f := range pytestFailure.FindAllStringSubmatch(out, -1) {
		r.Failures = append(r.Failures, domain.TestFailure{Name: f[1], Message: strings.TrimSpace(f[2])})
	}
	return r
}

func parseGoTest(out string) *domain.TestResults {
	r := &domain.TestResults{}
	for _, m := range goResult.FindAllStringSubmatch(out, -1) {
		switch m[1] {
		case "PASS":
			r.Passed++
		case "FAIL":
			r.Failed++
			r.Failures = append(r.Failures, domain.TestFailure{Name: m[2]})
		case "SKIP":
			r.Skipped++
		}
	}
	if r.Passed+r.Failed+r.Skipped == 0 {
		// Without -v only package lines are printed.
		for _, m := range goPkg.FindAllStringSubmatch(out, -1) {
			if m[1] == "ok" {
				r.Passed++
			} else {
				r.Failed++
			}
		}
	}
	r.Total = r.Passed + r.Failed + r.Skipped
	if r.Total == 0 {
		return nil
	}
	return r
}
