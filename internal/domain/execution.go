package domain

import "fmt"

// Artifacts are runnable outputs of analysis, such as generated tests.
type Artifacts struct {
	Environment string            `json:"environment,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	Commands    []string          `json:"commands,omitempty"`
}

// Runnable reports whether there is anything to execute.
func (a *Artifacts) Runnable() bool {
	return a != nil && len(a.Files) > 0
}

// TestFailure names one failing test.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// TestResults are structured counts parsed from test runner output.
type TestResults struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Failures []TestFailure `json:"failures,omitempty"`
}

// CommandResult is the outcome of one command in the run-environment.
type CommandResult struct {
	Command    string       `json:"command"`
	ExitCode   int          `json:"exit_code"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	DurationMs int64        `json:"duration_ms"`
	Truncated  bool         `json:"truncated,omitempty"`
	Tests      *TestResults `json:"tests,omitempty"`
}

// ExecutionResult is what the execution phase contributes to a report.
type ExecutionResult struct {
	Environment string          `json:"environment"`
	Commands    []CommandResult `json:"commands"`
	Passed      bool            `json:"passed"`
}

// Clone returns a deep copy of the result.
func (e *ExecutionResult) Clone() *ExecutionResult {
	if e == nil {
		return nil
	}
	c := *e
	c.Commands = make([]CommandResult, len(e.Commands))
	for i, cmd := range e.Commands {
		if cmd.Tests != nil {
			t := *cmd.Tests
			t.Failures = append([]TestFailure(nil), cmd.Tests.Failures...)
			cmd.Tests = &t
		}
		c.Commands[i] = cmd
	}
	return &c
}

// ExecutionFindings turns failing tests and failing commands into findings.
func ExecutionFindings(e *ExecutionResult) []Finding {
	if e == nil {
		return nil
	}
	var out []Finding
	for _, cmd := range e.Commands {
		if cmd.Tests != nil && cmd.Tests.Failed > 0 {
			named := 0
			for _, tf := range cmd.Tests.Failures {
				named++
				desc := "Test failed: " + tf.Name
				if tf.Message != "" {
					desc += " (" + tf.Message + ")"
				}
				out = append(out, Finding{
					Capability:  CapabilityQA,
					Severity:    SeverityHigh,
					Type:        findingTypeTest,
					Description: desc,
					Location:    cmd.Command,
					Fix:         "Fix the implementation or the generated test so that it passes",
				})
			}
			if unnamed := cmd.Tests.Failed - named; unnamed > 0 {
				out = append(out, Finding{
					Capability:  CapabilityQA,
					Severity:    SeverityHigh,
					Type:        findingTypeTest,
					Description: fmt.Sprintf("%d test(s) failed", unnamed),
					Location:    cmd.Command,
				})
			}
			continue
		}
		if cmd.ExitCode != 0 && cmd.Tests == nil {
			out = append(out, Finding{
				Capability:  CapabilityQA,
				Severity:    SeverityMedium,
				Type:        findingTypeCommand,
				Description: fmt.Sprintf("Command %q exited with code %d", cmd.Command, cmd.ExitCode),
				Location:    cmd.Command,
			})
		}
	}
	return out
}
