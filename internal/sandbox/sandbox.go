// Package sandbox provisions ephemeral run-environments, executes generated
// artifacts inside them, and tears them down.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
)

// ErrDisabled is returned by the Disabled executor.
var ErrDisabled = errors.New("sandbox execution is disabled")

// Handle identifies one provisioned run-environment. It is owned by exactly
// one session driver and never persisted.
type Handle struct {
	ID        string
	Profile   Profile
	Backend   string
	CreatedAt time.Time
}

// Executor is the execution collaborator as seen by the orchestrator.
type Executor interface {
	// Provision creates a run-environment for p. It may return a non-nil
	// handle together with an error when creation partly succeeded; the
	// caller must release that handle.
	Provision(ctx context.Context, p Profile) (*Handle, error)

	// Run writes files into the environment and runs commands in order,
	// stopping at the first non-zero exit.
	Run(ctx context.Context, h *Handle, files map[string]string, commands []string) (*domain.ExecutionResult, error)

	// Release tears the environment down. Releasing an already released
	// handle succeeds.
	Release(ctx context.Context, h *Handle) error
}

// Disabled refuses every provisioning request.
type Disabled struct{}

// Provision always fails with ErrDisabled.
func (Disabled) Provision(context.Context, Profile) (*Handle, error) { return nil, ErrDisabled }

// Run always fails with ErrDisabled.
func (Disabled) Run(context.Context, *Handle, map[string]string, []string) (*domain.ExecutionResult, error) {
	return nil, ErrDisabled
}

// Release is a no-op.
func (Disabled) Release(context.Context, *Handle) error { return nil }

var (
	_ Executor = Disabled{}
	_ Executor = (*DockerExecutor)(nil)
	_ Executor = (*RemoteExecutor)(nil)
)

// runPassed reports whether every command exited cleanly with no failing tests.
func runPassed(cmds []domain.CommandResult) bool {
	for _, c := range cmds {
		if c.ExitCode != 0 || (c.Tests != nil && c.Tests.Failed > 0) {
			return false
		}
	}
	return true
}

// PrepareFiles returns the artifact files plus the submitted source at the
// profile's source file, unless the artifacts already define that path.
func PrepareFiles(p Profile, artifacts *domain.Artifacts, source string) map[string]string {
	out := make(map[string]string)
	if artifacts != nil {
		for k, v := range artifacts.Files {
			out[k] = v
		}
	}
	if p.SourceFile != "" && source != "" {
		if _, ok := out[p.SourceFile]; !ok {
			out[p.SourceFile] = source
		}
	}
	return out
}

// CommandsFor returns the artifact commands, or the profile defaults.
func CommandsFor(p Profile, artifacts *domain.Artifacts) []string {
	if artifacts != nil && len(artifacts.Commands) > 0 {
		return artifacts.Commands
	}
	return p.Commands
}
