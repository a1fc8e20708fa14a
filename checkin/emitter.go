// Package checkin implements the Checkin Emitter: the periodic cloud
// acknowledgment listing the IDs of every currently loaded schema,
// rate-limited to one emission per configured interval.
package checkin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/sender"
	"github.com/vectaiot/edgeagent/telemetry"
)

// Emitter accepts Checkin snapshots from the Policy Manager and sends
// the most recent one through the Transport, never more often than the
// configured interval. A snapshot offered while the emitter is
// rate-limited is held and sent when the interval elapses; only the
// latest held snapshot survives, matching the single-slot-mailbox
// discipline of the rest of the agent.
type Emitter struct {
	transport sender.Transport
	clk       clock.Clock
	interval  time.Duration
	logger    *slog.Logger
	counters  *fault.Counters
	wake      chan struct{}

	mu         sync.Mutex
	pending    *telemetry.Checkin
	lastEmitMs int64
	emitted    bool
}

// NewEmitter returns an Emitter sending through transport at most once
// per interval.
func NewEmitter(transport sender.Transport, clk clock.Clock, interval time.Duration, logger *slog.Logger, counters *fault.Counters) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		transport: transport,
		clk:       clk,
		interval:  interval,
		logger:    logger,
		counters:  counters,
		wake:      make(chan struct{}, 1),
	}
}

// Offer replaces the pending Checkin snapshot and wakes the Run loop.
// Safe to call from the Policy Manager's goroutine; it never blocks.
func (e *Emitter) Offer(c telemetry.Checkin) {
	e.mu.Lock()
	e.pending = &c
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run emits pending snapshots until ctx is canceled.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		wait := e.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
		e.TryEmit(ctx)
	}
}

// nextWait returns how long Run should sleep: until the rate limit
// window reopens when a snapshot is pending, or the full interval
// otherwise.
func (e *Emitter) nextWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || !e.emitted {
		return e.interval
	}
	elapsed := time.Duration(e.clk.NowMs()-e.lastEmitMs) * time.Millisecond
	if elapsed >= e.interval {
		return time.Millisecond
	}
	return e.interval - elapsed
}

// TryEmit sends the pending snapshot if one exists and the rate limit
// allows, reporting whether a checkin went out.
func (e *Emitter) TryEmit(ctx context.Context) bool {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return false
	}
	now := e.clk.NowMs()
	if e.emitted && time.Duration(now-e.lastEmitMs)*time.Millisecond < e.interval {
		e.mu.Unlock()
		return false
	}
	snapshot := *e.pending
	e.pending = nil
	e.lastEmitMs = now
	e.emitted = true
	e.mu.Unlock()

	data, err := telemetry.EncodeCheckin(snapshot)
	if err != nil {
		e.counters.Incr(fault.KindSendFailure)
		e.logger.Error("checkin: failed to encode", "error", err)
		return false
	}
	if err := e.transport.Send(ctx, sender.TopicCheckin, data); err != nil {
		e.counters.Incr(fault.KindSendFailure)
		e.logger.Warn("checkin: send failed", "error", err)
		// Keep the snapshot for the next attempt unless a newer one
		// arrived while unlocked.
		e.mu.Lock()
		if e.pending == nil {
			e.pending = &snapshot
		}
		e.mu.Unlock()
		return false
	}
	e.logger.Debug("checkin: emitted", "documents", len(snapshot.DocumentSyncIDs))
	return true
}
