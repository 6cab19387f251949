package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/review-bridge/internal/council"
	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/progress"
	"github.com/ashureev/review-bridge/internal/sandbox"
	"github.com/ashureev/review-bridge/internal/store"
)

type fakeAnalyzer struct {
	mu sync.Mutex

	result *council.ReviewResult
	err    error
	stream bool
	// block makes Review wait for ctx, or for gate when set.
	block bool
	gate  chan struct{}

	fixResult *domain.FixResult
	fixCalls  []council.FixRequest
	reviews   int
}

func (f *fakeAnalyzer) Review(ctx context.Context, _ council.ReviewRequest, onCapability func(council.CapabilityResult)) (*council.ReviewResult, error) {
	f.mu.Lock()
	f.reviews++
	res, err, block, gate, stream := f.result, f.err, f.block, f.gate, f.stream
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if block {
		<-ctx.Done()
		return nil, &domain.TransportError{Op: "review", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	if stream && res != nil && onCapability != nil {
		for _, c := range res.Capabilities {
			onCapability(c)
		}
	}
	return res, nil
}

func (f *fakeAnalyzer) Fix(_ context.Context, req council.FixRequest) (*domain.FixResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixCalls = append(f.fixCalls, req)
	if f.fixResult == nil {
		return &domain.FixResult{FixedCode: "// fixed\n" + req.Code, FixesApplied: len(req.Findings)}, nil
	}
	return f.fixResult, nil
}

func (f *fakeAnalyzer) Health(context.Context) error { return nil }

type fakeExecutor struct {
	mu sync.Mutex

	provisionErr error
	// partial returns a handle together with provisionErr.
	partial  bool
	runErr   error
	runNil   bool
	blockRun bool
	runGate  chan struct{}
	result   *domain.ExecutionResult
	// releaseErr is returned by every Release call, which still counts.
	releaseErr error

	provisioned int
	runs        int
	files       map[string]string
	released    map[string]int
}

func (f *fakeExecutor) Provision(_ context.Context, p sandbox.Profile) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned++
	h := &sandbox.Handle{ID: fmt.Sprintf("h%d", f.provisioned), Profile: p, Backend: "fake"}
	if f.provisionErr != nil {
		if f.partial {
			return h, f.provisionErr
		}
		return nil, f.provisionErr
	}
	return h, nil
}

func (f *fakeExecutor) Run(ctx context.Context, _ *sandbox.Handle, files map[string]string, _ []string) (*domain.ExecutionResult, error) {
	f.mu.Lock()
	f.runs++
	f.files = files
	res, err, block, gate, runNil := f.result, f.runErr, f.blockRun, f.runGate, f.runNil
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if runNil {
		return nil, nil
	}
	return res.Clone(), nil
}

func (f *fakeExecutor) Release(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = make(map[string]int)
	}
	f.released[h.ID]++
	return f.releaseErr
}

func (f *fakeExecutor) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.released {
		n += c
	}
	return n
}

func (f *fakeExecutor) provisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned
}

type harness struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	analyzer *fakeAnalyzer
	executor *fakeExecutor

	mu   sync.Mutex
	held []func()
}

func newHarness(t *testing.T, a *fakeAnalyzer, e *fakeExecutor, cfg Config) *harness {
	t.Helper()
	st := store.NewMemory(store.Options{})
	o, err := New(Deps{
		Store:    st,
		Hub:      progress.NewHub(0, nil),
		Analyzer: a,
		Executor: e,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{orch: o, store: st, analyzer: a, executor: e}
	t.Cleanup(func() {
		h.runHeld()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

// holdDispatch queues drivers until runHeld is called.
func (h *harness) holdDispatch() {
	h.orch.dispatch = func(f func()) {
		h.mu.Lock()
		h.held = append(h.held, f)
		h.mu.Unlock()
	}
}

func (h *harness) runHeld() {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()
	for _, f := range held {
		go f()
	}
}

func submit(t *testing.T, h *harness, code, lang string, caps ...domain.Capability) *domain.Session {
	t.Helper()
	sess, err := h.orch.Submit(context.Background(), domain.Input{Code: code, Language: lang, Capabilities: caps})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return sess
}

func waitTerminal(t *testing.T, h *harness, id string) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.orch.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if sess.State.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach a terminal state", id)
	return nil
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for o.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("drivers still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func collect(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var out []progress.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(out))
			return out
		}
	}
}

// syncBuffer collects log output written from driver goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func securityCritical() *council.ReviewResult {
	return &council.ReviewResult{Capabilities: []council.CapabilityResult{{
		Name: domain.CapabilitySecurity,
		Findings: []domain.Finding{{
			Severity:    domain.SeverityCritical,
			Type:        "code_injection",
			Description: "eval on user input",
			Fix:         "remove eval",
		}},
	}}}
}

func qaWithTests() *council.ReviewResult {
	score := 90
	return &council.ReviewResult{
		Capabilities: []council.CapabilityResult{{Name: domain.CapabilityQA, Score: &score, Findings: []domain.Finding{}}},
		Artifacts: &domain.Artifacts{
			Files: map[string]string{"test_generated.py": "def test_add():\n    assert add(1, 2) == 3\n"},
		},
	}
}

func failingRun() *domain.ExecutionResult {
	return &domain.ExecutionResult{Commands: []domain.CommandResult{
		{Command: "python -m pytest -q", ExitCode: 1, Tests: &domain.TestResults{
			Total: 2, Passed: 1, Failed: 1,
			Failures: []domain.TestFailure{{Name: "test_generated.py::test_add"}},
		}},
	}}
}

func TestSubmitIsPendingUntilDispatched(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	h.holdDispatch()

	sess := submit(t, h, "eval(input())", "python", domain.CapabilitySecurity)
	if sess.State != domain.StatePending || sess.Progress != 0 {
		t.Fatalf("expected pending/0 from Submit, got %s/%d", sess.State, sess.Progress)
	}
	got, err := h.orch.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.State != domain.StatePending || got.Progress != 0 {
		t.Fatalf("expected pending/0 from GetStatus, got %s/%d", got.State, got.Progress)
	}
	if _, err := h.orch.GetReport(context.Background(), sess.ID); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	h.runHeld()
	if final := waitTerminal(t, h, sess.ID); final.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.State, final.Error)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{}, &fakeExecutor{}, Config{})
	cases := []struct {
		name  string
		in    domain.Input
		field string
	}{
		{"empty code", domain.Input{Code: "  ", Language: "python", Capabilities: []domain.Capability{"qa"}}, "code"},
		{"no language", domain.Input{Code: "x", Capabilities: []domain.Capability{"qa"}}, "language"},
		{"no capabilities", domain.Input{Code: "x", Language: "go"}, "capabilities"},
		{"unknown capability", domain.Input{Code: "x", Language: "go", Capabilities: []domain.Capability{"style"}}, "capabilities"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), tc.in)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	if h.orch.InFlight() != 0 {
		t.Fatal("rejected submission started a driver")
	}
}

func TestSubmitDeduplicatesCapabilities(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	h.holdDispatch()
	sess := submit(t, h, "x", "Python", "Security", domain.CapabilitySecurity)
	if len(sess.Capabilities) != 1 || sess.Input.Language != "python" {
		t.Fatalf("expected normalized input, got %+v", sess.Input)
	}
}

func TestSecurityOnlyCriticalSkipsExecution(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	h.holdDispatch()
	sess := submit(t, h, "eval(input())", "python", domain.CapabilitySecurity)

	sub, snap, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if snap.State != domain.StatePending {
		t.Fatalf("expected pending snapshot, got %s", snap.State)
	}
	h.runHeld()
	events := collect(t, sub)

	last := 0
	for _, ev := range events {
		if ev.State == domain.StateExecuting {
			t.Fatal("session entered executing without runnable artifacts")
		}
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", ev.Progress, last)
		}
		last = ev.Progress
	}
	final := events[len(events)-1]
	if final.State != domain.StateCompleted || final.Progress != 100 || final.Report == nil {
		t.Fatalf("unexpected terminal event %+v", final)
	}

	report, err := h.orch.GetReport(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.OverallScore != 75 || report.QualityGate != domain.GateFailed {
		t.Fatalf("expected score 75 and failed gate, got %d/%s", report.OverallScore, report.QualityGate)
	}
	if report.Summary.Critical != 1 {
		t.Errorf("expected one critical finding, got %+v", report.Summary)
	}
	if h.executor.provisionCount() != 0 {
		t.Error("execution was provisioned")
	}
}

func TestFailingGeneratedTestsAreMergedIntoReport(t *testing.T) {
	exec := &fakeExecutor{result: failingRun()}
	h := newHarness(t, &fakeAnalyzer{result: qaWithTests()}, exec, Config{})
	h.holdDispatch()
	sess := submit(t, h, "def add(a, b):\n    return a - b\n", "python", domain.CapabilityQA)

	sub, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.runHeld()
	events := collect(t, sub)

	sawExecuting := false
	for _, ev := range events {
		if ev.State == domain.StateExecuting {
			sawExecuting = true
		}
	}
	if !sawExecuting {
		t.Fatal("expected an executing event")
	}

	final := waitTerminal(t, h, sess.ID)
	if final.State != domain.StateCompleted {
		t.Fatalf("failing tests must not fail the session: %s (%s)", final.State, final.Error)
	}
	r := final.Report
	if r.Summary.High != 1 || r.QualityGate != domain.GateFailed {
		t.Fatalf("expected one high test failure and failed gate, got %+v / %s", r.Summary, r.QualityGate)
	}
	if !strings.Contains(r.Findings[0].Description, "test_add") {
		t.Errorf("unexpected finding %+v", r.Findings[0])
	}
	if r.Execution == nil || r.Execution.Environment != "python-3.11" {
		t.Errorf("expected python-3.11 execution, got %+v", r.Execution)
	}
	if got := exec.releaseCount(); got != 1 {
		t.Errorf("expected exactly one release, got %d", got)
	}
	exec.mu.Lock()
	_, hasSource := exec.files["main.py"]
	exec.mu.Unlock()
	if !hasSource {
		t.Error("submitted source not written to the profile source file")
	}
}

func TestAnalysisTimeoutFailsSession(t *testing.T) {
	exec := &fakeExecutor{}
	h := newHarness(t, &fakeAnalyzer{block: true}, exec, Config{AnalysisTimeout: 50 * time.Millisecond})
	sess := submit(t, h, "x = 1", "python", domain.CapabilityQA)

	final := waitTerminal(t, h, sess.ID)
	if final.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.Report != nil || !strings.Contains(final.Error, "transport") {
		t.Fatalf("expected transport cause and no report, got %q / %+v", final.Error, final.Report)
	}
	if exec.provisionCount() != 0 {
		t.Error("execution started after analysis timeout")
	}
}

func TestExecutionReleasesExactlyOnce(t *testing.T) {
	cases := []struct {
		name     string
		exec     *fakeExecutor
		cfg      Config
		state    domain.State
		releases int
	}{
		{"success", &fakeExecutor{result: failingRun()}, Config{}, domain.StateCompleted, 1},
		{"timeout", &fakeExecutor{blockRun: true}, Config{ExecutionTimeout: 50 * time.Millisecond}, domain.StateFailed, 1},
		{"run error", &fakeExecutor{runErr: &domain.TransportError{Op: "execute", Err: errors.New("connection reset")}}, Config{}, domain.StateFailed, 1},
		{"malformed output", &fakeExecutor{runNil: true}, Config{}, domain.StateFailed, 1},
		{"partial provision", &fakeExecutor{provisionErr: errors.New("start failed"), partial: true}, Config{}, domain.StateFailed, 1},
		{"provision refused", &fakeExecutor{provisionErr: errors.New("no capacity")}, Config{}, domain.StateFailed, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &fakeAnalyzer{result: qaWithTests()}, tc.exec, tc.cfg)
			sess := submit(t, h, "x = 1", "python", domain.CapabilityQA)
			final := waitTerminal(t, h, sess.ID)
			waitIdle(t, h.orch)

			if final.State != tc.state {
				t.Fatalf("expected %s, got %s (%s)", tc.state, final.State, final.Error)
			}
			if tc.state == domain.StateFailed && (final.Error == "" || final.Report != nil) {
				t.Fatalf("failed session must carry a cause and no report: %+v", final)
			}
			if got := tc.exec.releaseCount(); got != tc.releases {
				t.Fatalf("expected %d release(s), got %d", tc.releases, got)
			}
		})
	}
}

func TestMissingCapabilityFailsIndividually(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	sess := submit(t, h, "x", "python", domain.CapabilitySecurity, domain.CapabilityPerformance)

	final := waitTerminal(t, h, sess.ID)
	if final.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.State, final.Error)
	}
	if len(final.Capabilities) != 2 {
		t.Fatalf("expected exactly the requested capabilities, got %+v", final.Capabilities)
	}
	perf := final.Capabilities[1]
	if perf.Name != domain.CapabilityPerformance || perf.Status != domain.CapabilityFailed || perf.Error == "" {
		t.Fatalf("expected performance failed individually, got %+v", perf)
	}
	if final.Report.OverallScore != 75 {
		t.Errorf("failed capability must not count toward the score, got %d", final.Report.OverallScore)
	}
}

func TestOnlyCapabilityFailingFailsSession(t *testing.T) {
	res := &council.ReviewResult{Capabilities: []council.CapabilityResult{
		{Name: domain.CapabilityPerformance, Error: "agent crashed"},
	}}
	h := newHarness(t, &fakeAnalyzer{result: res}, &fakeExecutor{}, Config{})
	sess := submit(t, h, "x", "python", domain.CapabilityPerformance)

	final := waitTerminal(t, h, sess.ID)
	if final.State != domain.StateFailed || !strings.Contains(final.Error, "agent crashed") {
		t.Fatalf("expected failure carrying the capability error, got %s (%s)", final.State, final.Error)
	}
}

func TestStreamedCapabilitiesAdvanceProgress(t *testing.T) {
	score := 100
	res := &council.ReviewResult{Capabilities: []council.CapabilityResult{
		{Name: domain.CapabilityQA, Score: &score},
		{Name: domain.CapabilitySecurity, Score: &score},
	}}
	h := newHarness(t, &fakeAnalyzer{result: res, stream: true}, &fakeExecutor{}, Config{})
	h.holdDispatch()
	sess := submit(t, h, "x", "go", domain.CapabilityQA, domain.CapabilitySecurity)
	sub, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.runHeld()

	var mid []int
	for _, ev := range collect(t, sub) {
		if ev.Progress > 20 && ev.Progress < 60 {
			mid = append(mid, ev.Progress)
		}
	}
	if len(mid) != 2 || mid[0] != 37 || mid[1] != 55 {
		t.Fatalf("expected streamed progress [37 55], got %v", mid)
	}
}

func TestConcurrentSubscribersSeeSameSequence(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: qaWithTests()}, &fakeExecutor{result: failingRun()}, Config{})
	h.holdDispatch()
	sess := submit(t, h, "x = 1", "python", domain.CapabilityQA)

	subA, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	subB, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	h.runHeld()

	var wg sync.WaitGroup
	var a, b []progress.Event
	wg.Add(2)
	go func() { defer wg.Done(); a = collect(t, subA) }()
	go func() { defer wg.Done(); b = collect(t, subB) }()
	wg.Wait()

	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("subscribers saw %d and %d events", len(a), len(b))
	}
	for i := range a {
		if a[i].Seq != b[i].Seq || a[i].State != b[i].State || a[i].Progress != b[i].Progress {
			t.Fatalf("event %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	if !a[len(a)-1].Terminal() {
		t.Fatal("stream did not end with a terminal event")
	}
}

func TestSubscribeToTerminalSessionReturnsClosed(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	sess := submit(t, h, "x", "python", domain.CapabilitySecurity)
	waitTerminal(t, h, sess.ID)

	sub, snap, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if snap.State != domain.StateCompleted {
		t.Fatalf("expected completed snapshot, got %s", snap.State)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed subscription")
	}

	if _, _, err := h.orch.Subscribe(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{result: securityCritical()}, &fakeExecutor{}, Config{})
	sess := submit(t, h, "x", "python", domain.CapabilitySecurity)
	waitTerminal(t, h, sess.ID)

	for i := 0; i < 2; i++ {
		if err := h.orch.Delete(context.Background(), sess.ID); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if _, err := h.orch.GetStatus(context.Background(), sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteDuringExecutionOnlyReleases(t *testing.T) {
	gate := make(chan struct{})
	exec := &fakeExecutor{result: failingRun(), runGate: gate}
	h := newHarness(t, &fakeAnalyzer{result: qaWithTests()}, exec, Config{})
	sess := submit(t, h, "x = 1", "python", domain.CapabilityQA)

	deadline := time.Now().Add(3 * time.Second)
	for {
		exec.mu.Lock()
		runs := exec.runs
		exec.mu.Unlock()
		if runs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.orch.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	events := collect(t, sub)
	if len(events) == 0 || events[len(events)-1].State != progress.StateDeleted {
		t.Fatalf("expected a deleted event, got %+v", events)
	}

	close(gate)
	waitIdle(t, h.orch)

	if _, err := h.orch.GetStatus(context.Background(), sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted session was re-created: %v", err)
	}
	if got := exec.releaseCount(); got != 1 {
		t.Fatalf("expected one release after deletion, got %d", got)
	}
}

func TestRequestFix(t *testing.T) {
	a := &fakeAnalyzer{result: securityCritical()}
	h := newHarness(t, a, &fakeExecutor{}, Config{})
	h.holdDispatch()
	sess := submit(t, h, "eval(input())", "python", domain.CapabilitySecurity)

	if _, err := h.orch.RequestFix(context.Background(), sess.ID, nil); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady before completion, got %v", err)
	}
	h.runHeld()
	waitTerminal(t, h, sess.ID)

	res, err := h.orch.RequestFix(context.Background(), sess.ID, nil)
	if err != nil {
		t.Fatalf("RequestFix: %v", err)
	}
	if res.FixesApplied != 1 || !strings.HasPrefix(res.FixedCode, "// fixed") {
		t.Fatalf("unexpected fix result %+v", res)
	}
	a.mu.Lock()
	calls := len(a.fixCalls)
	sent := a.fixCalls[0].Findings
	a.mu.Unlock()
	if calls != 1 || len(sent) != 1 || sent[0].Severity != domain.SeverityCritical {
		t.Fatalf("unexpected fix request: %d calls, findings %+v", calls, sent)
	}

	low, err := h.orch.RequestFix(context.Background(), sess.ID, []string{"low"})
	if err != nil {
		t.Fatalf("RequestFix low: %v", err)
	}
	if low.FixedCode != "eval(input())" || low.FixesApplied != 0 {
		t.Fatalf("expected original code untouched, got %+v", low)
	}
	a.mu.Lock()
	calls = len(a.fixCalls)
	a.mu.Unlock()
	if calls != 1 {
		t.Fatal("council called with no matching findings")
	}

	var ve *domain.ValidationError
	if _, err := h.orch.RequestFix(context.Background(), sess.ID, []string{"urgent"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}

	report, err := h.orch.GetReport(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Description != "eval on user input" {
		t.Fatalf("fix mutated the stored report: %+v", report.Findings)
	}
}

func TestShutdownFailsInFlightSessions(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{block: true}, &fakeExecutor{}, Config{})
	sess := submit(t, h, "x", "python", domain.CapabilityQA)

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := h.orch.GetStatus(context.Background(), sess.ID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if got.Progress >= 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analysis never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	final, err := h.orch.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if final.State != domain.StateFailed {
		t.Fatalf("expected failed after shutdown, got %s", final.State)
	}
	if _, err := h.orch.Submit(context.Background(), domain.Input{Code: "x", Language: "go", Capabilities: []domain.Capability{"qa"}}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestConcurrencyLimitKeepsSessionsPending(t *testing.T) {
	gate := make(chan struct{})
	a := &fakeAnalyzer{result: securityCritical(), gate: gate}
	h := newHarness(t, a, &fakeExecutor{}, Config{MaxConcurrentSessions: 1})

	first := submit(t, h, "x", "python", domain.CapabilitySecurity)
	second := submit(t, h, "y", "python", domain.CapabilitySecurity)

	deadline := time.Now().Add(3 * time.Second)
	for {
		a.mu.Lock()
		n := a.reviews
		a.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first review never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	pending := 0
	for _, id := range []string{first.ID, second.ID} {
		got, err := h.orch.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if got.State == domain.StatePending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected one session waiting for a slot, got %d", pending)
	}

	close(gate)
	for _, id := range []string{first.ID, second.ID} {
		if final := waitTerminal(t, h, id); final.State != domain.StateCompleted {
			t.Fatalf("expected %s completed, got %s", id, final.State)
		}
	}
}

func TestReleaseFailureIsRetriedAndSuppressed(t *testing.T) {
	exec := &fakeExecutor{result: failingRun(), releaseErr: errors.New("docker daemon unavailable")}
	h := newHarness(t, &fakeAnalyzer{result: qaWithTests()}, exec, Config{
		ReleaseMaxRetries: 3,
		ReleaseRetryDelay: time.Millisecond,
	})
	logs := &syncBuffer{}
	h.orch.logger = slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sess := submit(t, h, "x = 1", "python", domain.CapabilityQA)
	final := waitTerminal(t, h, sess.ID)
	waitIdle(t, h.orch)

	if final.State != domain.StateCompleted || final.Report == nil {
		t.Fatalf("release failure must not fail the session: %s (%s)", final.State, final.Error)
	}
	if got := exec.releaseCount(); got != 3 {
		t.Fatalf("expected 3 release attempts, got %d", got)
	}
	out := logs.String()
	if !strings.Contains(out, "Failed to release sandbox") || !strings.Contains(out, "failed after 3 attempts") {
		t.Fatalf("expected a logged release error, got:\n%s", out)
	}
}

func TestDeleteMidAnalysisKeepsProgressMonotonic(t *testing.T) {
	gate := make(chan struct{})
	a := &fakeAnalyzer{result: securityCritical(), gate: gate}
	h := newHarness(t, a, &fakeExecutor{}, Config{})
	openGate := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(openGate)
	h.holdDispatch()
	sess := submit(t, h, "eval(input())", "python", domain.CapabilitySecurity)

	sub, _, err := h.orch.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.runHeld()

	var events []progress.Event
	timeout := time.After(3 * time.Second)
	for len(events) == 0 || events[len(events)-1].Progress < progressAnalysisCall {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed early after %+v", events)
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("analysis never reached progress %d, got %+v", progressAnalysisCall, events)
		}
	}

	if err := h.orch.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	events = append(events, collect(t, sub)...)
	openGate()
	waitIdle(t, h.orch)

	if len(events) < 2 {
		t.Fatalf("expected progress events before deletion, got %+v", events)
	}
	last := 0
	for _, ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d (state %s)", last, ev.Progress, ev.State)
		}
		last = ev.Progress
	}
	if end := events[len(events)-1]; end.State != progress.StateDeleted || end.Progress != progressAnalysisCall {
		t.Fatalf("deleted event should keep progress %d, got %+v", progressAnalysisCall, end)
	}
}
