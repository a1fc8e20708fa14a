package fetch

import (
	"testing"
	"time"
)

func TestGather_CollectsAcrossSchemes(t *testing.T) {
	m := Gather(map[string][]Directive{
		"A": {{SchemeID: "A", TargetSignalID: 1}},
		"B": {{SchemeID: "B", TargetSignalID: 2}, {SchemeID: "B", TargetSignalID: 3}},
	})
	if len(m.Directives) != 3 {
		t.Fatalf("expected 3 directives, got %d", len(m.Directives))
	}
}

func TestTracker_TimeBasedRespectsMaxExecutions(t *testing.T) {
	tr := NewTracker(Directive{Mode: ModeTime, MaxExecutions: 2, ResetWindowMs: 1000})
	now := time.Unix(0, 0)
	if !tr.ShouldExecute(now) {
		t.Fatal("expected first execution to succeed")
	}
	if !tr.ShouldExecute(now) {
		t.Fatal("expected second execution to succeed")
	}
	if tr.ShouldExecute(now) {
		t.Fatal("expected third execution to be blocked by max_executions")
	}
}

func TestTracker_TimeBasedHonorsPeriod(t *testing.T) {
	tr := NewTracker(Directive{Mode: ModeTime, PeriodMs: 100})
	start := time.Unix(0, 0)
	if !tr.ShouldExecute(start) {
		t.Fatal("expected first execution to succeed")
	}
	if tr.ShouldExecute(start.Add(50 * time.Millisecond)) {
		t.Fatal("expected execution inside the period to be blocked")
	}
	if !tr.ShouldExecute(start.Add(100 * time.Millisecond)) {
		t.Fatal("expected execution once a full period elapsed")
	}
}

func TestTracker_ResetWindowReplenishesBudget(t *testing.T) {
	tr := NewTracker(Directive{Mode: ModeTime, MaxExecutions: 1, ResetWindowMs: 100})
	now := time.Unix(0, 0)
	if !tr.ShouldExecute(now) {
		t.Fatal("expected first execution to succeed")
	}
	if tr.ShouldExecute(now) {
		t.Fatal("expected immediate second execution to be blocked")
	}
	later := now.Add(200 * time.Millisecond)
	if !tr.ShouldExecute(later) {
		t.Fatal("expected execution after reset window to succeed")
	}
}

func TestTracker_ConditionRisingEdgeOnly(t *testing.T) {
	tr := NewTracker(Directive{Mode: ModeCondition, RisingEdgeOnly: true})
	if tr.Observe(false) {
		t.Fatal("expected no fire on false")
	}
	if !tr.Observe(true) {
		t.Fatal("expected fire on rising edge")
	}
	if tr.Observe(true) {
		t.Fatal("expected no fire on sustained true")
	}
}
