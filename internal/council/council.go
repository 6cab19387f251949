// Package council is the client side of the analysis collaborator. It speaks
// to the council over gRPC (default) or its JSON HTTP API.
package council

import (
	"context"

	"github.com/ashureev/review-bridge/internal/domain"
)

// ReviewRequest is sent once per session with the full capability set.
type ReviewRequest struct {
	Code         string              `json:"code"`
	Language     string              `json:"language"`
	Context      string              `json:"context,omitempty"`
	Capabilities []domain.Capability `json:"capabilities"`
}

// CapabilityResult is the outcome of one capability. A non-empty Error marks
// that capability failed without failing the whole request.
type CapabilityResult struct {
	Name     domain.Capability `json:"name"`
	Findings []domain.Finding  `json:"findings"`
	Score    *int              `json:"score,omitempty"`
	Error    string            `json:"error,omitempty"`
	Details  map[string]any    `json:"details,omitempty"`
}

// ReviewResult is the aggregate answer to a ReviewRequest.
type ReviewResult struct {
	Capabilities []CapabilityResult `json:"capabilities"`
	Score        *int               `json:"score,omitempty"`
	Artifacts    *domain.Artifacts  `json:"artifacts,omitempty"`
}

// Capability returns the result for name, if the council reported one.
func (r *ReviewResult) Capability(name domain.Capability) (CapabilityResult, bool) {
	if r == nil {
		return CapabilityResult{}, false
	}
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return CapabilityResult{}, false
}

// FixRequest asks the council to patch code for the given findings.
type FixRequest struct {
	Code     string           `json:"code"`
	Language string           `json:"language"`
	Findings []domain.Finding `json:"findings"`
}

// Analyzer is the analysis collaborator as seen by the orchestrator.
type Analyzer interface {
	// Review analyzes code. onCapability, when non-nil, is invoked as each
	// capability result arrives, before Review returns.
	Review(ctx context.Context, req ReviewRequest, onCapability func(CapabilityResult)) (*ReviewResult, error)

	// Fix returns patched code for the selected findings.
	Fix(ctx context.Context, req FixRequest) (*domain.FixResult, error)

	// Health reports whether the council is reachable and serving.
	Health(ctx context.Context) error
}

var (
	_ Analyzer = (*GrpcClient)(nil)
	_ Analyzer = (*HTTPClient)(nil)
)
