// Package trigger implements the Trigger Engine: it drains the Signal
// Buffer into the Sample Store, evaluates every active condition at the
// matrix's tick frequency, detects rising edges, assembles payloads,
// and hands them to the Sender Worker's queue in priority order. It
// also drives the Fetch Matrix's proactive acquisition directives.
package trigger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/expr"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/sample"
	"github.com/vectaiot/edgeagent/sender"
	"github.com/vectaiot/edgeagent/telemetry"
)

// FetchRequester receives fetch-directive executions; the OBD
// Transactor (or another proactive fetcher) implements it.
type FetchRequester interface {
	RequestSignal(ctx context.Context, signalID decode.SignalID) error
}

// edgeState tracks the previous evaluation of one condition for
// rising-edge detection. The zero value means "not yet evaluated", so
// a first true evaluation fires in rising-edge mode.
type edgeState uint8

const (
	edgeUnknown edgeState = iota
	edgeFalse
	edgeTrue
)

// defaultIdleTick bounds the Run loop's wait when no matrix is loaded
// or the matrix declares no tick interval.
const defaultIdleTick = time.Second

// pendingFire is a fired condition's payload awaiting its
// after_duration_ms hold before hand-off.
type pendingFire struct {
	out      sender.Outbound
	dueMs    int64
	priority int
	schemeID string
}

// Engine is the Trigger Engine worker.
type Engine struct {
	buf       *sample.Buffer
	store     *sample.Store
	queue     *sender.Queue
	clk       clock.Clock
	registry  expr.Registry
	requester FetchRequester
	logger    *slog.Logger
	counters  *fault.Counters

	matrix atomic.Pointer[inspection.Matrix]
	wake   chan struct{}

	mu        sync.Mutex
	prev      map[string]edgeState
	lastFire  map[string]int64
	pending   []pendingFire
	latestDTC *sample.DTC
	fetchers  []*fetchEntry
}

type fetchEntry struct {
	directive fetch.Directive
	tracker   *fetch.Tracker
}

// NewEngine returns an Engine consuming buf into store and enqueuing
// fired payloads onto queue. registry and requester may be nil.
func NewEngine(buf *sample.Buffer, store *sample.Store, queue *sender.Queue, clk clock.Clock, registry expr.Registry, requester FetchRequester, logger *slog.Logger, counters *fault.Counters) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		buf:       buf,
		store:     store,
		queue:     queue,
		clk:       clk,
		registry:  registry,
		requester: requester,
		logger:    logger,
		counters:  counters,
		wake:      make(chan struct{}, 1),
		prev:      map[string]edgeState{},
		lastFire:  map[string]int64{},
	}
}

// OnInspectionMatrix installs a new Inspection Matrix snapshot: the
// Sample Store is reconciled to its aggregated per-signal specs and
// edge/fire state for schemes no longer present is discarded.
func (e *Engine) OnInspectionMatrix(m *inspection.Matrix) {
	e.matrix.Store(m)
	e.store.Reconcile(m.AggregatedSignalSpecs())

	current := map[string]bool{}
	for _, c := range m.Conditions {
		current[c.SchemeID] = true
	}
	e.mu.Lock()
	for id := range e.prev {
		if !current[id] {
			delete(e.prev, id)
			delete(e.lastFire, id)
		}
	}
	e.mu.Unlock()
	e.signalWake()
}

// OnFetchMatrix installs a new Fetch Matrix snapshot, resetting every
// directive's execution budget.
func (e *Engine) OnFetchMatrix(m *fetch.Matrix) {
	entries := make([]*fetchEntry, 0, len(m.Directives))
	for _, d := range m.Directives {
		entries = append(entries, &fetchEntry{directive: d, tracker: fetch.NewTracker(d)})
	}
	e.mu.Lock()
	e.fetchers = entries
	e.mu.Unlock()
	e.signalWake()
}

// WantsDTCs reports whether any active condition sets include_dtcs,
// gating the OBD Transactor's DTC polling.
func (e *Engine) WantsDTCs() bool {
	m := e.matrix.Load()
	if m == nil {
		return false
	}
	for _, c := range m.Conditions {
		if c.IncludeDTCs {
			return true
		}
	}
	return false
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the Signal Buffer and ticks the condition loop until ctx
// is canceled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(e.tickInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case item := <-e.buf.C():
			timer.Stop()
			e.Ingest(item)
		case <-e.wake:
			timer.Stop()
			e.Tick(ctx)
		case <-timer.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) tickInterval() time.Duration {
	m := e.matrix.Load()
	if m == nil || len(m.Conditions) == 0 {
		return defaultIdleTick
	}
	min := m.MinTriggerIntervalMs()
	if min <= 0 {
		return defaultIdleTick
	}
	return time.Duration(min) * time.Millisecond
}

// Ingest records one Signal Buffer item: samples go to the Sample
// Store, DTC reports replace the latest report used for payload
// assembly.
func (e *Engine) Ingest(item sample.Item) {
	if item.Sample != nil {
		e.store.Insert(*item.Sample)
	}
	if item.DTC != nil {
		e.mu.Lock()
		e.latestDTC = item.DTC
		e.mu.Unlock()
	}
}

// Tick runs one evaluation pass: every condition is evaluated against
// the current Sample Store snapshot, fired conditions assemble
// payloads, and payloads whose after_duration_ms hold has elapsed are
// flushed to the queue in descending priority, ties broken by scheme
// ID.
func (e *Engine) Tick(ctx context.Context) {
	nowMs := e.clk.NowMs()
	m := e.matrix.Load()
	if m != nil {
		for i := range m.Conditions {
			e.evaluate(&m.Conditions[i], nowMs)
		}
	}
	e.runFetchers(ctx, nowMs)
	e.flushPending(nowMs)
}

func (e *Engine) evaluate(c *inspection.Condition, nowMs int64) {
	result, err := expr.Eval(c.Tree, c.Tree.Root, e.store, e.registry)
	if err != nil {
		e.counters.Incr(fault.KindEvalError)
		e.logger.Warn("trigger: condition evaluation failed", "scheme_id", c.SchemeID, "error", err)
		result = expr.Result{Kind: expr.KindBool, Bool: false}
	}
	truth, ok := result.AsBool()
	if !ok {
		// A numeric root is truthy when non-zero, matching the
		// evaluator's bool promotion in the other direction.
		if f, fok := result.AsDouble(); fok {
			truth = f != 0
		}
	}

	e.mu.Lock()
	prev := e.prev[c.SchemeID]
	if truth {
		e.prev[c.SchemeID] = edgeTrue
	} else {
		e.prev[c.SchemeID] = edgeFalse
	}
	last, fired := e.lastFire[c.SchemeID]
	e.mu.Unlock()

	if !truth {
		return
	}
	if c.TriggerMode == inspection.TriggerRisingEdge && prev == edgeTrue {
		return
	}
	if fired && c.MinimumTriggerIntervalMs > 0 && nowMs-last < c.MinimumTriggerIntervalMs {
		return
	}
	e.fire(c, nowMs)
}

// fire assembles the payload immediately (snapshotting the rings at
// the trigger edge) but holds it until after_duration_ms has elapsed
// before hand-off.
func (e *Engine) fire(c *inspection.Condition, nowMs int64) {
	p := telemetry.Payload{
		SchemeID:  c.SchemeID,
		EventTime: nowMs,
	}
	for _, spec := range c.Signals {
		if spec.ConditionOnly {
			continue
		}
		ring, ok := e.store.RingFor(spec.SignalID)
		if !ok {
			continue
		}
		samples := ring.Snapshot()
		if spec.SampleBufferSize > 0 && len(samples) > spec.SampleBufferSize {
			samples = samples[len(samples)-spec.SampleBufferSize:]
		}
		for _, s := range samples {
			p.Signals = append(p.Signals, telemetry.PayloadSignal{
				ID:    uint32(s.SignalID),
				Time:  s.TimestampMs,
				Value: s.Value.Float64(),
			})
		}
	}

	e.mu.Lock()
	if c.IncludeDTCs && e.latestDTC != nil {
		p.DTCs = append([]string(nil), e.latestDTC.Codes...)
	}
	e.lastFire[c.SchemeID] = nowMs
	e.pending = append(e.pending, pendingFire{
		out:      sender.Outbound{Payload: p, Persist: c.PersistFlag, Compress: c.CompressFlag},
		dueMs:    nowMs + c.AfterDurationMs,
		priority: c.Priority,
		schemeID: c.SchemeID,
	})
	e.mu.Unlock()
}

func (e *Engine) flushPending(nowMs int64) {
	e.mu.Lock()
	var due, hold []pendingFire
	for _, pf := range e.pending {
		if pf.dueMs <= nowMs {
			due = append(due, pf)
		} else {
			hold = append(hold, pf)
		}
	}
	e.pending = hold
	e.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].schemeID < due[j].schemeID
	})
	for _, pf := range due {
		if !e.queue.Push(pf.out) {
			e.counters.Incr(fault.KindBackpressureDrop)
			e.logger.Warn("trigger: outbound queue full, payload dropped", "scheme_id", pf.schemeID)
		}
	}
}

func (e *Engine) runFetchers(ctx context.Context, nowMs int64) {
	e.mu.Lock()
	entries := e.fetchers
	e.mu.Unlock()

	for _, f := range entries {
		var execute bool
		switch f.directive.Mode {
		case fetch.ModeTime:
			execute = f.tracker.ShouldExecute(time.UnixMilli(nowMs))
		case fetch.ModeCondition:
			if f.directive.TriggerCondition == nil {
				continue
			}
			result, err := expr.Eval(f.directive.TriggerCondition, f.directive.TriggerCondition.Root, e.store, e.registry)
			if err != nil {
				e.counters.Incr(fault.KindEvalError)
				continue
			}
			truth, _ := result.AsBool()
			execute = f.tracker.Observe(truth)
		}
		if !execute || e.requester == nil {
			continue
		}
		if err := e.requester.RequestSignal(ctx, f.directive.TargetSignalID); err != nil {
			e.logger.Warn("trigger: fetch directive request failed",
				"scheme_id", f.directive.SchemeID,
				"signal_id", f.directive.TargetSignalID,
				"error", err)
		}
	}
}
