package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
)

const (
	backendRemote = "remote"
	// defaultRemoteTimeout is sent when the caller's context has no deadline.
	defaultRemoteTimeout = 10 * time.Minute
)

// RemoteExecutor drives the sandbox service HTTP API.
type RemoteExecutor struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewRemoteExecutor creates an executor for the sandbox service at baseURL.
func NewRemoteExecutor(baseURL string, httpClient *http.Client, logger *slog.Logger) *RemoteExecutor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteExecutor{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, logger: logger}
}

type remoteCreateRequest struct {
	Environment string `json:"environment"`
	Timeout     int    `json:"timeout"`
}

type remoteCreateResponse struct {
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status"`
}

type remoteExecuteRequest struct {
	Files    map[string]string `json:"files"`
	Commands []string          `json:"commands"`
	Timeout  int               `json:"timeout"`
}

type remoteCommandResult struct {
	Command     string              `json:"command"`
	ExitCode    int                 `json:"exit_code"`
	Stdout      string              `json:"stdout"`
	Stderr      string              `json:"stderr"`
	Duration    float64             `json:"duration"`
	TestResults *domain.TestResults `json:"test_results"`
}

type remoteExecuteResponse struct {
	Results []remoteCommandResult `json:"results"`
}

// Provision asks the service to create a sandbox for the profile's environment.
func (r *RemoteExecutor) Provision(ctx context.Context, p Profile) (*Handle, error) {
	var resp remoteCreateResponse
	err := r.do(ctx, "create sandbox", http.MethodPost, "/sandbox/create",
		remoteCreateRequest{Environment: p.Name, Timeout: timeoutSeconds(ctx)}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("create sandbox: response without sandbox_id")
	}
	return &Handle{ID: resp.SandboxID, Profile: p, Backend: backendRemote, CreatedAt: time.Now()}, nil
}

// Run executes commands remotely. Results the service did not parse are
// parsed locally.
func (r *RemoteExecutor) Run(ctx context.Context, h *Handle, files map[string]string, commands []string) (*domain.ExecutionResult, error) {
	var resp remoteExecuteResponse
	err := r.do(ctx, "execute", http.MethodPost, "/sandbox/"+url.PathEscape(h.ID)+"/execute",
		remoteExecuteRequest{Files: files, Commands: commands, Timeout: timeoutSeconds(ctx)}, &resp)
	if err != nil {
		return nil, err
	}
	res := &domain.ExecutionResult{Environment: h.Profile.Name, Commands: make([]domain.CommandResult, 0, len(resp.Results))}
	for _, rc := range resp.Results {
		cr := domain.CommandResult{
			Command:    rc.Command,
			ExitCode:   rc.ExitCode,
			Stdout:     rc.Stdout,
			Stderr:     rc.Stderr,
			DurationMs: int64(rc.Duration * 1000),
			Tests:      rc.TestResults,
		}
		if cr.Tests == nil {
			cr.Tests = ParseTestOutput(cr.Command, cr.Stdout, cr.Stderr)
		}
		res.Commands = append(res.Commands, cr)
	}
	res.Passed = runPassed(res.Commands)
	return res, nil
}

// Release deletes the sandbox. A 404 means it is already gone.
func (r *RemoteExecutor) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	err := r.do(ctx, "delete sandbox", http.MethodDelete, "/sandbox/"+url.PathEscape(h.ID), nil, nil)
	if err == nil || isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// statusError keeps the HTTP status of a failed call next to its
// classification as a domain.TransportError or domain.RemoteError.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }

func (e *statusError) Unwrap() error { return e.err }

func newStatusError(op string, status int, detail string) *statusError {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &statusError{status: status, err: &domain.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", status, detail)}}
	default:
		return &statusError{status: status, err: &domain.RemoteError{Message: fmt.Sprintf("%s: status %d: %s", op, status, detail)}}
	}
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == code
}

func (r *RemoteExecutor) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &domain.TransportError{Op: op, Err: ctx.Err()}
		}
		return &domain.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return newStatusError(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func timeoutSeconds(ctx context.Context) int {
	d := defaultRemoteTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	if s := int(d / time.Second); s > 0 {
		return s
	}
	return 1
}
