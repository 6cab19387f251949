package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// LabelManaged marks containers owned by this service.
	LabelManaged = "review-bridge.managed"
	// LabelProfile records the profile a container was created from.
	LabelProfile = "review-bridge.profile"

	stopTimeoutSecs = 5
	backendDocker   = "docker"
)

// containerSpec is what the executor asks the runtime to create.
type containerSpec struct {
	Image     string
	Workdir   string
	Labels    map[string]string
	Network   string
	MemoryMB  int64
	CPUQuota  int64
	PidsLimit int64
}

// containerInfo is the subset of a listed container the reaper needs.
type containerInfo struct {
	ID      string
	Created time.Time
}

// containerRuntime is the narrow container API the executor drives.
type containerRuntime interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	CopyFiles(ctx context.Context, id, dir string, archive io.Reader) error
	Exec(ctx context.Context, id, dir, command string, stdout, stderr io.Writer) (int, error)
	Remove(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]containerInfo, error)
}

// DockerExecutor runs artifacts in throwaway Docker containers.
type DockerExecutor struct {
	rt          containerRuntime
	outputLimit int
	now         func() time.Time
	logger      *slog.Logger
}

// NewDockerExecutor creates an executor backed by the local Docker daemon.
// runtime can be "" for the default runtime or "runsc" for gVisor.
func NewDockerExecutor(runtime string, logger *slog.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runtime == "" {
		logger.Info("Docker client initialized", "runtime", "default")
	} else {
		logger.Info("Docker client initialized", "runtime", runtime)
	}
	return newDockerExecutor(&dockerRuntime{cli: cli, runtime: runtime, logger: logger}, logger), nil
}

func newDockerExecutor(rt containerRuntime, logger *slog.Logger) *DockerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{rt: rt, outputLimit: DefaultOutputLimit, now: time.Now, logger: logger}
}

// Provision pulls the image if needed, then creates and starts a container.
func (e *DockerExecutor) Provision(ctx context.Context, p Profile) (*Handle, error) {
	if err := e.rt.EnsureImage(ctx, p.Image); err != nil {
		return nil, fmt.Errorf("ensure image %s: %w", p.Image, err)
	}
	id, err := e.rt.Create(ctx, containerSpec{
		Image:   p.Image,
		Workdir: p.Workdir,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelProfile: p.Name,
		},
		Network:   p.Network,
		MemoryMB:  p.MemoryMB,
		CPUQuota:  p.CPUQuota,
		PidsLimit: p.PidsLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	h := &Handle{ID: id, Profile: p, Backend: backendDocker, CreatedAt: e.now()}
	if err := e.rt.Start(ctx, id); err != nil {
		return h, fmt.Errorf("start container %s: %w", id, err)
	}
	e.logger.Info("Sandbox container started", "container_id", id, "profile", p.Name)
	return h, nil
}

// Run copies files into the workdir and runs commands sequentially.
func (e *DockerExecutor) Run(ctx context.Context, h *Handle, files map[string]string, commands []string) (*domain.ExecutionResult, error) {
	archive, err := buildArchive(files, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.rt.CopyFiles(ctx, h.ID, h.Profile.Workdir, archive); err != nil {
		return nil, classifyRunError(ctx, "copy files", err)
	}

	res := &domain.ExecutionResult{Environment: h.Profile.Name, Commands: []domain.CommandResult{}}
	for _, cmd := range commands {
		stdout := newTailBuffer(e.outputLimit)
		stderr := newTailBuffer(e.outputLimit)
		start := e.now()

		code, err := e.rt.Exec(ctx, h.ID, h.Profile.Workdir, cmd, stdout, stderr)
		if err != nil {
			return nil, classifyRunError(ctx, "exec "+cmd, err)
		}

		cr := domain.CommandResult{
			Command:    cmd,
			ExitCode:   code,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			DurationMs: e.now().Sub(start).Milliseconds(),
			Truncated:  stdout.Truncated() || stderr.Truncated(),
		}
		cr.Tests = ParseTestOutput(cmd, cr.Stdout, cr.Stderr)
		res.Commands = append(res.Commands, cr)

		e.logger.Debug("Sandbox command finished",
			"container_id", h.ID,
			"command", cmd,
			"exit_code", code,
			"duration_ms", cr.DurationMs)
		if code != 0 {
			break
		}
	}
	res.Passed = runPassed(res.Commands)
	return res, nil
}

// Release force-removes the container. Not-found counts as released.
func (e *DockerExecutor) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	if err := e.rt.Remove(ctx, h.ID); err != nil {
		return fmt.Errorf("remove container %s: %w", h.ID, err)
	}
	e.logger.Info("Sandbox container removed", "container_id", h.ID)
	return nil
}

// ReapOlderThan removes managed containers created more than maxAge ago.
func (e *DockerExecutor) ReapOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	list, err := e.rt.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}
	cutoff := e.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, c := range list {
		if c.Created.After(cutoff) {
			continue
		}
		if err := e.rt.Remove(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", c.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// classifyRunError turns a context expiry into a TransportError so the
// session fails with a timeout cause.
func classifyRunError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &domain.TransportError{Op: "execute", Err: fmt.Errorf("%s: %w", op, ctx.Err())}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// dockerRuntime implements containerRuntime with the Docker Engine API.
type dockerRuntime struct {
	cli     *client.Client
	runtime string
	logger  *slog.Logger
}

func (d *dockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	d.logger.Info("Pulling sandbox image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress: %w", err)
	}
	return nil
}

func (d *dockerRuntime) Create(ctx context.Context, spec containerSpec) (string, error) {
	network := spec.Network
	if network == "" {
		network = "none"
	}
	config := &container.Config{
		Image:      spec.Image,
		WorkingDir: spec.Workdir,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Labels:     spec.Labels,
	}
	hostConfig := &container.HostConfig{
		Runtime:     d.runtime,
		NetworkMode: container.NetworkMode(network),
		Resources: container.Resources{
			Memory:   spec.MemoryMB * 1024 * 1024,
			CPUQuota: spec.CPUQuota,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if spec.PidsLimit > 0 {
		hostConfig.Resources.PidsLimit = ptr(spec.PidsLimit)
	}
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerRuntime) CopyFiles(ctx context.Context, id, dir string, archive io.Reader) error {
	return d.cli.CopyToContainer(ctx, id, dir, archive, container.CopyToContainerOptions{})
}

func (d *dockerRuntime) Exec(ctx context.Context, id, dir, command string, stdout, stderr io.Writer) (int, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	// The hijacked connection ignores ctx once established.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return 0, fmt.Errorf("read exec output: %w", err)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return 0, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// Remove stops and removes a container. It is idempotent.
func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			d.logger.Debug("Container already removed", "container_id", id)
			return nil
		}
		d.logger.Debug("Container stop returned error, continuing to remove", "container_id", id, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			d.logger.Debug("Container removal already in progress", "container_id", id)
			return nil
		}
		return err
	}
	return nil
}

func (d *dockerRuntime) ListManaged(ctx context.Context) ([]containerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, err
	}
	out := make([]containerInfo, 0, len(list))
	for _, c := range list {
		out = append(out, containerInfo{ID: c.ID, Created: time.Unix(c.Created, 0)})
	}
	return out, nil
}

func ptr[T any](v T) *T {
	return &v
}
