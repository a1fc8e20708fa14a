// Package fetch compiles the Fetch Matrix: the set of proactive
// signal-acquisition directives gathered from Enabled schemes, and
// tracks each time-based directive's execution budget.
package fetch

import (
	"sync"
	"time"

	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/expr"
)

// Mode selects whether a Directive fires on a timer or a condition.
type Mode uint8

const (
	ModeTime Mode = iota
	ModeCondition
)

// Directive is one proactive signal-acquisition directive.
type Directive struct {
	SchemeID         string
	TargetSignalID   decode.SignalID
	Mode             Mode
	MaxExecutions    int
	PeriodMs         int64
	ResetWindowMs    int64
	TriggerCondition *expr.Tree
	RisingEdgeOnly   bool
	Actions          []string
}

// Matrix is the compiled Fetch Matrix artifact.
type Matrix struct {
	Directives []Directive
}

// Gather collects fetch directives from Enabled schemes into a Matrix.
func Gather(perScheme map[string][]Directive) *Matrix {
	m := &Matrix{}
	for _, ds := range perScheme {
		m.Directives = append(m.Directives, ds...)
	}
	return m
}

// Tracker enforces a time-based directive's max_executions and
// reset_window_ms budget, one Tracker per directive.
type Tracker struct {
	mu          sync.Mutex
	directive   Directive
	executions  int
	windowStart time.Time
	lastExec    time.Time
	lastRise    bool
}

// NewTracker returns a Tracker for d.
func NewTracker(d Directive) *Tracker {
	return &Tracker{directive: d}
}

// ShouldExecute reports whether a time-based directive should fire
// now, consuming one unit of its execution budget if so. Firing is
// paced to one execution per period_ms, and the budget resets once
// reset_window_ms has elapsed since the window started.
func (t *Tracker) ShouldExecute(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.directive.Mode != ModeTime {
		return false
	}
	if t.windowStart.IsZero() {
		t.windowStart = now
	}
	if t.directive.ResetWindowMs > 0 && now.Sub(t.windowStart) >= time.Duration(t.directive.ResetWindowMs)*time.Millisecond {
		t.windowStart = now
		t.executions = 0
	}
	if t.directive.PeriodMs > 0 && !t.lastExec.IsZero() && now.Sub(t.lastExec) < time.Duration(t.directive.PeriodMs)*time.Millisecond {
		return false
	}
	if t.directive.MaxExecutions > 0 && t.executions >= t.directive.MaxExecutions {
		return false
	}
	t.executions++
	t.lastExec = now
	return true
}

// Observe feeds a condition evaluation result to a condition-based
// directive's tracker, returning true exactly when the directive
// should execute given its RisingEdgeOnly setting.
func (t *Tracker) Observe(conditionTrue bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.directive.Mode != ModeCondition {
		return false
	}
	fire := conditionTrue
	if t.directive.RisingEdgeOnly {
		fire = conditionTrue && !t.lastRise
	}
	t.lastRise = conditionTrue
	return fire
}
