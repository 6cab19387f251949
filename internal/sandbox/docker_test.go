package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
)

type fakeRuntime struct {
	mu       sync.Mutex
	created  []containerSpec
	started  []string
	removed  []string
	copied   map[string]string
	execs    []string
	exitCode map[string]int
	output   map[string]string
	startErr error
	execErr  error
	block    bool
	listed   []containerInfo
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		copied:   make(map[string]string),
		exitCode: make(map[string]int),
		output:   make(map[string]string),
	}
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) Create(_ context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "c1", nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeRuntime) CopyFiles(_ context.Context, _, _ string, archive io.Reader) error {
	tr := tar.NewReader(archive)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, _ := io.ReadAll(tr)
		f.mu.Lock()
		f.copied[h.Name] = string(data)
		f.mu.Unlock()
	}
}

func (f *fakeRuntime) Exec(ctx context.Context, _, _, command string, stdout, _ io.Writer) (int, error) {
	f.mu.Lock()
	f.execs = append(f.execs, command)
	block, execErr := f.block, f.execErr
	code, out := f.exitCode[command], f.output[command]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if execErr != nil {
		return 0, execErr
	}
	_, _ = io.WriteString(stdout, out)
	return code, nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) ListManaged(context.Context) ([]containerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

var pythonProfile = Profile{
	Name:       "python-3.11",
	Image:      "python:3.11-slim",
	Workdir:    "/workspace",
	SourceFile: "main.py",
	Commands:   []string{"pip install -q pytest", "python -m pytest -q"},
	MemoryMB:   256,
	PidsLimit:  64,
}

func TestDockerExecutorProvisionAndRun(t *testing.T) {
	rt := newFakeRuntime()
	rt.output["python -m pytest -q"] = "FAILED test_x.py::test_a - boom\n1 failed, 1 passed in 0.01s\n"
	rt.exitCode["python -m pytest -q"] = 1
	e := newDockerExecutor(rt, nil)
	ctx := context.Background()

	h, err := e.Provision(ctx, pythonProfile)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if h.ID != "c1" || h.Backend != "docker" {
		t.Fatalf("unexpected handle %+v", h)
	}
	spec := rt.created[0]
	if spec.Labels[LabelManaged] != "true" || spec.Labels[LabelProfile] != "python-3.11" || spec.MemoryMB != 256 {
		t.Fatalf("unexpected container spec %+v", spec)
	}

	files := map[string]string{"main.py": "x = 1", "test_x.py": "def test_a(): pass"}
	res, err := e.Run(ctx, h, files, pythonProfile.Commands)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rt.copied["main.py"] != "x = 1" || rt.copied["test_x.py"] == "" {
		t.Fatalf("files not copied: %v", rt.copied)
	}
	if len(res.Commands) != 2 || res.Passed {
		t.Fatalf("unexpected result %+v", res)
	}
	tests := res.Commands[1].Tests
	if tests == nil || tests.Failed != 1 || tests.Passed != 1 {
		t.Fatalf("expected parsed pytest results, got %+v", tests)
	}

	if err := e.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(rt.removed) != 1 {
		t.Fatalf("expected one removal, got %v", rt.removed)
	}
}

func TestDockerExecutorStopsAtFirstFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode["pip install -q pytest"] = 2
	e := newDockerExecutor(rt, nil)
	h := &Handle{ID: "c1", Profile: pythonProfile}

	res, err := e.Run(context.Background(), h, map[string]string{"main.py": "x"}, pythonProfile.Commands)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Commands) != 1 || res.Commands[0].ExitCode != 2 {
		t.Fatalf("expected to stop after first command, got %+v", res.Commands)
	}
	if len(rt.execs) != 1 {
		t.Fatalf("second command should not run: %v", rt.execs)
	}
}

func TestDockerExecutorPartialProvisionReturnsHandle(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("no space left")
	e := newDockerExecutor(rt, nil)

	h, err := e.Provision(context.Background(), pythonProfile)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if h == nil || h.ID != "c1" {
		t.Fatalf("expected a handle for the created container, got %+v", h)
	}
}

func TestDockerExecutorTimeoutIsTransportError(t *testing.T) {
	rt := newFakeRuntime()
	rt.block = true
	e := newDockerExecutor(rt, nil)
	h := &Handle{ID: "c1", Profile: pythonProfile}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx, h, nil, []string{"sleep 100"})
	if !domain.IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestDockerExecutorExecErrorFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.execErr = errors.New("container gone")
	e := newDockerExecutor(rt, nil)
	_, err := e.Run(context.Background(), &Handle{ID: "c1", Profile: pythonProfile}, nil, []string{"ls"})
	if err == nil || domain.IsTransport(err) || !strings.Contains(err.Error(), "container gone") {
		t.Fatalf("expected plain exec error, got %v", err)
	}
}

func TestDockerExecutorReapsOldContainers(t *testing.T) {
	rt := newFakeRuntime()
	now := time.Now()
	rt.listed = []containerInfo{
		{ID: "old", Created: now.Add(-2 * time.Hour)},
		{ID: "new", Created: now.Add(-time.Minute)},
	}
	e := newDockerExecutor(rt, nil)
	e.now = func() time.Time { return now }

	n, err := e.ReapOlderThan(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 || len(rt.removed) != 1 || rt.removed[0] != "old" {
		t.Fatalf("expected only old container removed, got %d %v", n, rt.removed)
	}
}

type countingReaper struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReaper) ReapOlderThan(context.Context, time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1, nil
}

func (r *countingReaper) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestStartReaperTicks(t *testing.T) {
	r := &countingReaper{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartReaper(ctx, r, 5*time.Millisecond, time.Hour, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Calls() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reaper ran %d times", r.Calls())
}

func TestDisabledExecutor(t *testing.T) {
	var e Executor = Disabled{}
	if _, err := e.Provision(context.Background(), pythonProfile); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if err := e.Release(context.Background(), nil); err != nil {
		t.Fatalf("release: %v", err)
	}
}
