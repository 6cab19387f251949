package council

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/review-bridge/internal/domain"
)

const maxErrorBody = 4 << 10

// HTTPClient talks to the council's JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for baseURL. Timeouts come from the caller's
// context, so httpClient normally has none.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

type httpReviewRequest struct {
	Code         string              `json:"code"`
	Language     string              `json:"language"`
	Context      string              `json:"context"`
	QualityGates []domain.Capability `json:"quality_gates"`
}

type httpReviewResponse struct {
	Agents []map[string]json.RawMessage `json:"agents"`
	Report struct {
		OverallScore *int `json:"overall_score"`
	} `json:"report"`
}

type httpTestRequest struct {
	Code          string `json:"code"`
	Language      string `json:"language"`
	TestFramework string `json:"test_framework"`
}

type httpTestResponse struct {
	TestCode  string `json:"test_code"`
	TestCount int    `json:"test_count"`
}

// testLayouts maps a language to its test framework and generated file name.
var testLayouts = map[string]struct{ framework, file string }{
	"javascript": {"jest", "generated.test.js"},
	"typescript": {"jest", "generated.test.js"},
	"python":     {"pytest", "test_generated.py"},
	"go":         {"testing", "generated_test.go"},
}

// Review posts to /council/review and, when qa is requested, asks the QA test
// generator for a runnable test file.
func (c *HTTPClient) Review(ctx context.Context, req ReviewRequest, onCapability func(CapabilityResult)) (*ReviewResult, error) {
	var resp httpReviewResponse
	err := c.postJSON(ctx, "review", "/council/review", httpReviewRequest{
		Code:         req.Code,
		Language:     req.Language,
		Context:      req.Context,
		QualityGates: req.Capabilities,
	}, &resp)
	if err != nil {
		return nil, err
	}

	res := &ReviewResult{Score: resp.Report.OverallScore}
	for _, raw := range resp.Agents {
		cr, err := decodeAgent(raw)
		if err != nil {
			return nil, &domain.TransportError{Op: "review", Err: err}
		}
		normalizeResult(&cr)
		if onCapability != nil {
			onCapability(cr)
		}
		res.Capabilities = append(res.Capabilities, cr)
	}

	if qa, ok := res.Capability(domain.CapabilityQA); ok && qa.Error == "" {
		res.Artifacts = c.generateTests(ctx, req)
	}
	return res, nil
}

// generateTests is best effort. A failure leaves the review without artifacts.
func (c *HTTPClient) generateTests(ctx context.Context, req ReviewRequest) *domain.Artifacts {
	layout, ok := testLayouts[strings.ToLower(req.Language)]
	if !ok {
		return nil
	}
	var resp httpTestResponse
	err := c.postJSON(ctx, "generate tests", "/council/qa/generate-tests", httpTestRequest{
		Code:          req.Code,
		Language:      req.Language,
		TestFramework: layout.framework,
	}, &resp)
	if err != nil {
		c.logger.Warn("Council test generation failed", "language", req.Language, "error", err)
		return nil
	}
	if strings.TrimSpace(resp.TestCode) == "" {
		return nil
	}
	return &domain.Artifacts{Files: map[string]string{layout.file: resp.TestCode}}
}

// decodeAgent reads one agent entry; fields it does not model land in Details.
func decodeAgent(raw map[string]json.RawMessage) (CapabilityResult, error) {
	var cr CapabilityResult
	var name, state string
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &name); err != nil {
			return cr, fmt.Errorf("agent name: %w", err)
		}
	}
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return cr, errors.New("agent without name")
	}
	cr.Name = domain.Capability(fields[0])

	if v, ok := raw["status"]; ok {
		_ = json.Unmarshal(v, &state)
	}
	if v, ok := raw["findings"]; ok {
		if err := json.Unmarshal(v, &cr.Findings); err != nil {
			return cr, fmt.Errorf("agent %s findings: %w", name, err)
		}
	}
	if v, ok := raw["score"]; ok && string(v) != "null" {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return cr, fmt.Errorf("agent %s score: %w", name, err)
		}
		score := int(f)
		cr.Score = &score
	}
	if v, ok := raw["error"]; ok {
		_ = json.Unmarshal(v, &cr.Error)
	}
	if cr.Error == "" && (state == "failed" || state == "error") {
		cr.Error = "agent reported status " + state
	}

	for k, v := range raw {
		switch k {
		case "name", "status", "findings", "score", "error":
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			if cr.Details == nil {
				cr.Details = make(map[string]any)
			}
			cr.Details[k] = val
		}
	}
	return cr, nil
}

// Fix posts to /council/fix.
func (c *HTTPClient) Fix(ctx context.Context, req FixRequest) (*domain.FixResult, error) {
	var res domain.FixResult
	if err := c.postJSON(ctx, "fix", "/council/fix", req, &res); err != nil {
		return nil, err
	}
	if res.Changes == nil {
		res.Changes = []domain.Change{}
	}
	return &res, nil
}

// Health calls GET /health.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "health", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("council health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg := readErrorDetail(resp.Body)
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &domain.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
		default:
			return &domain.RemoteError{Message: fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, msg)}
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// readErrorDetail extracts FastAPI's {"detail": ...} or falls back to the raw body.
func readErrorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		return fmt.Sprint(body.Detail)
	}
	return strings.TrimSpace(string(raw))
}
