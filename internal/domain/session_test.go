package domain

import (
	"errors"
	"testing"
	"time"
)

func newTestSession() *Session {
	return NewSession("s1", Input{
		Code:         "print(1)",
		Language:     "python",
		Capabilities: []Capability{CapabilityQA, CapabilitySecurity},
	}, time.Unix(100, 0))
}

func TestNewSessionIsPending(t *testing.T) {
	s := newTestSession()
	if s.State != StatePending || s.Progress != 0 {
		t.Fatalf("expected pending/0, got %s/%d", s.State, s.Progress)
	}
	if len(s.Capabilities) != 2 || s.Capabilities[1].Name != CapabilitySecurity {
		t.Fatalf("unexpected capability statuses: %+v", s.Capabilities)
	}
	for _, c := range s.Capabilities {
		if c.Status != CapabilityPending {
			t.Errorf("capability %s: expected pending, got %s", c.Name, c.Status)
		}
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	s := newTestSession()
	if err := s.Transition(StateExecuting, time.Now()); err == nil {
		t.Fatal("expected pending -> executing to be rejected")
	}
	if err := s.Transition(StateAnalyzing, time.Now()); err != nil {
		t.Fatalf("pending -> analyzing: %v", err)
	}
	if err := s.Transition(StatePending, time.Now()); err == nil {
		t.Fatal("expected analyzing -> pending to be rejected")
	}
}

func TestTerminalSessionRejectsMutation(t *testing.T) {
	s := newTestSession()
	if err := s.Fail("boom", time.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s.Error != "boom" || s.Report != nil {
		t.Fatalf("unexpected failed session: %+v", s)
	}
	err := s.Complete(&Report{}, time.Now())
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestCompleteAttachesReport(t *testing.T) {
	s := newTestSession()
	_ = s.Transition(StateAnalyzing, time.Now())
	if err := s.Complete(nil, time.Now()); err == nil {
		t.Fatal("expected nil report to be rejected")
	}
	if s.State != StateAnalyzing {
		t.Fatalf("state changed on rejected completion: %s", s.State)
	}
	if err := s.Complete(&Report{OverallScore: 90}, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.Progress != 100 || s.Report.OverallScore != 90 {
		t.Fatalf("unexpected completed session: progress=%d report=%+v", s.Progress, s.Report)
	}
}

func TestAdvanceProgressIsMonotonic(t *testing.T) {
	s := newTestSession()
	s.AdvanceProgress(40)
	s.AdvanceProgress(20)
	if s.Progress != 40 {
		t.Fatalf("expected 40, got %d", s.Progress)
	}
	s.AdvanceProgress(150)
	if s.Progress != 100 {
		t.Fatalf("expected cap at 100, got %d", s.Progress)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := newTestSession()
	score := 80
	s.SetCapability(CapabilityQA, CapabilityCompleted, &score, "")
	s.Report = &Report{Findings: []Finding{{Description: "a"}}}

	c := s.Clone()
	*c.Capabilities[0].Score = 10
	c.Capabilities[1].Status = CapabilityFailed
	c.Report.Findings[0].Description = "changed"
	c.Input.Capabilities[0] = CapabilityArchitecture

	if *s.Capabilities[0].Score != 80 || s.Capabilities[1].Status != CapabilityPending {
		t.Fatalf("clone shares capability state: %+v", s.Capabilities)
	}
	if s.Report.Findings[0].Description != "a" {
		t.Fatal("clone shares report findings")
	}
	if s.Input.Capabilities[0] != CapabilityQA {
		t.Fatal("clone shares input capabilities")
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability(" Security ")
	if err != nil || c != CapabilitySecurity {
		t.Fatalf("got %q, %v", c, err)
	}
	if _, err := ParseCapability("style"); err == nil {
		t.Fatal("expected unknown capability to fail")
	}
}
