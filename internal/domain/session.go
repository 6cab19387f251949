// Package domain contains core domain types for the review bridge.
package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a review session.
type State string

const (
	StatePending   State = "pending"
	StateAnalyzing State = "analyzing"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further mutation may follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the allowed edges of the session state machine.
var transitions = map[State][]State{
	StatePending:   {StateAnalyzing, StateFailed},
	StateAnalyzing: {StateExecuting, StateCompleted, StateFailed},
	StateExecuting: {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Input is what a caller submits for review.
type Input struct {
	Code         string       `json:"code"`
	Language     string       `json:"language"`
	Context      string       `json:"context,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// Session is one end-to-end review request and its accumulated state.
type Session struct {
	ID           string             `json:"id"`
	Input        Input              `json:"input"`
	State        State              `json:"state"`
	Progress     int                `json:"progress"`
	Capabilities []CapabilityStatus `json:"capabilities"`
	Report       *Report            `json:"report,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// NewSession builds a pending session with one pending status per capability.
func NewSession(id string, in Input, now time.Time) *Session {
	statuses := make([]CapabilityStatus, 0, len(in.Capabilities))
	for _, c := range in.Capabilities {
		statuses = append(statuses, CapabilityStatus{Name: c, Status: CapabilityPending})
	}
	return &Session{
		ID:           id,
		Input:        in,
		State:        StatePending,
		Capabilities: statuses,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the session to the next state.
func (s *Session) Transition(to State, now time.Time) error {
	if s.State.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.ID, s.State)
	}
	if !CanTransition(s.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for session %s", s.State, to, s.ID)
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}

// Complete attaches the report and transitions into StateCompleted in one step.
func (s *Session) Complete(report *Report, now time.Time) error {
	if report == nil {
		return fmt.Errorf("complete session %s: nil report", s.ID)
	}
	if err := s.Transition(StateCompleted, now); err != nil {
		return err
	}
	s.Report = report
	s.Progress = 100
	return nil
}

// Fail transitions into StateFailed with a human-readable cause.
func (s *Session) Fail(cause string, now time.Time) error {
	if err := s.Transition(StateFailed, now); err != nil {
		return err
	}
	s.Report = nil
	s.Error = cause
	return nil
}

// AdvanceProgress raises progress to p. Progress never decreases.
func (s *Session) AdvanceProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
}

// SetCapability updates the status entry for name. Unknown names are ignored.
func (s *Session) SetCapability(name Capability, status CapabilityState, score *int, errMsg string) {
	for i := range s.Capabilities {
		if s.Capabilities[i].Name != name {
			continue
		}
		s.Capabilities[i].Status = status
		s.Capabilities[i].Score = score
		s.Capabilities[i].Error = errMsg
		return
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Input.Capabilities = append([]Capability(nil), s.Input.Capabilities...)
	c.Capabilities = make([]CapabilityStatus, len(s.Capabilities))
	for i, st := range s.Capabilities {
		if st.Score != nil {
			v := *st.Score
			st.Score = &v
		}
		c.Capabilities[i] = st
	}
	c.Report = s.Report.Clone()
	return &c
}
