package domain

import (
	"fmt"
	"strings"
)

// Capability is one independently invokable analysis concern.
type Capability string

const (
	CapabilityQA           Capability = "qa"
	CapabilitySecurity     Capability = "security"
	CapabilityPerformance  Capability = "performance"
	CapabilityArchitecture Capability = "architecture"
)

// AllCapabilities is the fixed enumeration accepted at submission.
var AllCapabilities = []Capability{
	CapabilityQA,
	CapabilitySecurity,
	CapabilityPerformance,
	CapabilityArchitecture,
}

// ParseCapability normalizes s and checks it against the enumeration.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// CapabilityState is the per-capability sub-state inside a session.
type CapabilityState string

const (
	CapabilityPending   CapabilityState = "pending"
	CapabilityRunning   CapabilityState = "running"
	CapabilityCompleted CapabilityState = "completed"
	CapabilityFailed    CapabilityState = "failed"
)

// CapabilityStatus mirrors which analysis capabilities have reported.
type CapabilityStatus struct {
	Name   Capability      `json:"name"`
	Status CapabilityState `json:"status"`
	Score  *int            `json:"score,omitempty"`
	Error  string          `json:"error,omitempty"`
}
