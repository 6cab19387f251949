package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/review-bridge/internal/domain"
)

// Reviewer is the orchestrator surface served over HTTP.
type Reviewer interface {
	Submit(ctx context.Context, in domain.Input) (*domain.Session, error)
	GetStatus(ctx context.Context, id string) (*domain.Session, error)
	GetReport(ctx context.Context, id string) (*domain.Report, error)
	RequestFix(ctx context.Context, id string, severities []string) (*domain.FixResult, error)
	Delete(ctx context.Context, id string) error
}

// ReviewHandler handles the review session endpoints.
type ReviewHandler struct {
	svc         Reviewer
	maxBodySize int64
	submitLimit func(http.Handler) http.Handler
}

// NewReviewHandler creates a review handler. submitLimit, when non-nil, wraps
// the submit route.
func NewReviewHandler(svc Reviewer, maxBodySize int64, submitLimit func(http.Handler) http.Handler) *ReviewHandler {
	return &ReviewHandler{svc: svc, maxBodySize: maxBodySize, submitLimit: submitLimit}
}

// RegisterRoutes registers review routes. extra mounts additional per-session
// routes such as event streams under the same prefix.
func (h *ReviewHandler) RegisterRoutes(r chi.Router, extra ...func(chi.Router)) {
	r.Route("/api/v1/review", func(r chi.Router) {
		if h.submitLimit != nil {
			r.With(h.submitLimit).Post("/submit", h.Submit)
		} else {
			r.Post("/submit", h.Submit)
		}
		r.Get("/{id}/status", h.Status)
		r.Get("/{id}/report", h.Report)
		r.Post("/{id}/fix", h.Fix)
		r.Delete("/{id}", h.Delete)
		for _, fn := range extra {
			fn(r)
		}
	})
}

type submitRequest struct {
	Code         string   `json:"code"`
	Language     string   `json:"language"`
	Context      string   `json:"context"`
	QualityGates []string `json:"quality_gates"`
	Capabilities []string `json:"capabilities"`
}

type submitResponse struct {
	SessionID string       `json:"session_id"`
	Status    domain.State `json:"status"`
	Progress  int          `json:"progress"`
}

// agentStatus is one per-capability entry of the status response.
type agentStatus struct {
	Name   domain.Capability      `json:"name"`
	Status domain.CapabilityState `json:"status"`
	Score  *int                   `json:"score"`
	Error  string                 `json:"error,omitempty"`
}

type statusResponse struct {
	SessionID string        `json:"session_id"`
	Status    domain.State  `json:"status"`
	Progress  int           `json:"progress"`
	Agents    []agentStatus `json:"agents"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type fixRequest struct {
	FixPriorities []string `json:"fix_priorities"`
}

// Submit handles POST /api/v1/review/submit.
func (h *ReviewHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, h.maxBodySize, &req) {
		return
	}
	names := req.QualityGates
	if len(names) == 0 {
		names = req.Capabilities
	}
	caps := make([]domain.Capability, 0, len(names))
	for _, n := range names {
		caps = append(caps, domain.Capability(n))
	}

	sess, err := h.svc.Submit(r.Context(), domain.Input{
		Code:         req.Code,
		Language:     req.Language,
		Context:      req.Context,
		Capabilities: caps,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, submitResponse{
		SessionID: sess.ID,
		Status:    sess.State,
		Progress:  sess.Progress,
	})
}

// Status handles GET /api/v1/review/{id}/status.
func (h *ReviewHandler) Status(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := statusResponse{
		SessionID: sess.ID,
		Status:    sess.State,
		Progress:  sess.Progress,
		Agents:    make([]agentStatus, 0, len(sess.Capabilities)),
		Error:     sess.Error,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, c := range sess.Capabilities {
		resp.Agents = append(resp.Agents, agentStatus{Name: c.Name, Status: c.Status, Score: c.Score, Error: c.Error})
	}
	JSON(w, http.StatusOK, resp)
}

// Report handles GET /api/v1/review/{id}/report.
func (h *ReviewHandler) Report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.svc.GetReport(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "report": report})
}

// Fix handles POST /api/v1/review/{id}/fix. An empty body selects the
// default severities.
func (h *ReviewHandler) Fix(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.RequestFix(r.Context(), chi.URLParam(r, "id"), req.FixPriorities)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Delete handles DELETE /api/v1/review/{id}.
func (h *ReviewHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "deleted"})
}

func (h *ReviewHandler) bodyLimit() int64 {
	if h.maxBodySize <= 0 {
		return defaultMaxRequestBodySize
	}
	return h.maxBodySize
}
