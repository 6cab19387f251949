package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/review-bridge/internal/domain"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// envelope is the shape of every message on the Review stream. Exactly one
// field is set per message.
type envelope struct {
	Capability *CapabilityResult `json:"capability,omitempty"`
	Result     *ReviewResult     `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// normalizeResult fills finding capabilities and maps unknown severities to
// medium so downstream synthesis only sees the fixed enumeration.
func normalizeResult(c *CapabilityResult) {
	c.Name = domain.Capability(strings.ToLower(strings.TrimSpace(string(c.Name))))
	for i := range c.Findings {
		f := &c.Findings[i]
		if f.Capability == "" {
			f.Capability = c.Name
		}
		sev, err := domain.ParseSeverity(string(f.Severity))
		if err != nil {
			sev = domain.SeverityMedium
		}
		f.Severity = sev
	}
	if c.Findings == nil {
		c.Findings = []domain.Finding{}
	}
	if c.Score != nil {
		v := min(max(*c.Score, 0), 100)
		c.Score = &v
	}
}
