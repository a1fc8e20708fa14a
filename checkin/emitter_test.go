package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/sender"
	"github.com/vectaiot/edgeagent/telemetry"
)

func TestEmitter_SendsOfferedSnapshot(t *testing.T) {
	transport := sender.NewLoopbackTransport()
	clk := clock.NewFake(1000)
	e := NewEmitter(transport, clk, 5*time.Second, nil, &fault.Counters{})

	e.Offer(telemetry.Checkin{
		TimestampMsEpoch: 1000,
		DocumentSyncIDs:  []string{"DM1", "scheme-a", "scheme-b"},
	})
	if !e.TryEmit(context.Background()) {
		t.Fatal("expected first emit to go out")
	}

	sent := transport.SentPayloads()
	if len(sent) != 1 || sent[0].Topic != sender.TopicCheckin {
		t.Fatalf("expected one checkin send, got %+v", sent)
	}
	var c telemetry.Checkin
	if err := json.Unmarshal(sent[0].Payload, &c); err != nil {
		t.Fatalf("unmarshal checkin: %v", err)
	}
	if len(c.DocumentSyncIDs) != 3 || c.DocumentSyncIDs[0] != "DM1" {
		t.Fatalf("expected all loaded document ids listed, got %v", c.DocumentSyncIDs)
	}
}

func TestEmitter_RateLimitsToOnePerInterval(t *testing.T) {
	transport := sender.NewLoopbackTransport()
	clk := clock.NewFake(0)
	e := NewEmitter(transport, clk, 5*time.Second, nil, &fault.Counters{})
	ctx := context.Background()

	e.Offer(telemetry.Checkin{DocumentSyncIDs: []string{"a"}})
	if !e.TryEmit(ctx) {
		t.Fatal("expected first emit")
	}

	// A newer snapshot inside the interval is held, not sent.
	e.Offer(telemetry.Checkin{DocumentSyncIDs: []string{"a", "b"}})
	if e.TryEmit(ctx) {
		t.Fatal("expected second emit suppressed inside the interval")
	}

	clk.Advance(5 * time.Second)
	if !e.TryEmit(ctx) {
		t.Fatal("expected held snapshot emitted once the interval elapsed")
	}

	sent := transport.SentPayloads()
	if len(sent) != 2 {
		t.Fatalf("expected exactly 2 emissions, got %d", len(sent))
	}
	var c telemetry.Checkin
	if err := json.Unmarshal(sent[1].Payload, &c); err != nil {
		t.Fatalf("unmarshal checkin: %v", err)
	}
	if len(c.DocumentSyncIDs) != 2 {
		t.Fatalf("expected the latest held snapshot, got %v", c.DocumentSyncIDs)
	}
}

func TestEmitter_LatestOfferWins(t *testing.T) {
	transport := sender.NewLoopbackTransport()
	e := NewEmitter(transport, clock.NewFake(0), time.Second, nil, &fault.Counters{})

	e.Offer(telemetry.Checkin{DocumentSyncIDs: []string{"stale"}})
	e.Offer(telemetry.Checkin{DocumentSyncIDs: []string{"fresh"}})
	if !e.TryEmit(context.Background()) {
		t.Fatal("expected emit")
	}

	var c telemetry.Checkin
	if err := json.Unmarshal(transport.SentPayloads()[0].Payload, &c); err != nil {
		t.Fatalf("unmarshal checkin: %v", err)
	}
	if len(c.DocumentSyncIDs) != 1 || c.DocumentSyncIDs[0] != "fresh" {
		t.Fatalf("expected only the latest snapshot sent, got %v", c.DocumentSyncIDs)
	}
}

func TestEmitter_FailedSendRetainsSnapshot(t *testing.T) {
	transport := sender.NewLoopbackTransport()
	transport.FailWith(errors.New("broker down"))
	clk := clock.NewFake(0)
	e := NewEmitter(transport, clk, time.Second, nil, &fault.Counters{})
	ctx := context.Background()

	e.Offer(telemetry.Checkin{DocumentSyncIDs: []string{"a"}})
	if e.TryEmit(ctx) {
		t.Fatal("expected emit to fail")
	}

	transport.FailWith(nil)
	clk.Advance(time.Second)
	if !e.TryEmit(ctx) {
		t.Fatal("expected retained snapshot emitted after transport recovery")
	}
}

func TestEmitter_NothingPendingEmitsNothing(t *testing.T) {
	transport := sender.NewLoopbackTransport()
	e := NewEmitter(transport, clock.NewFake(0), time.Second, nil, &fault.Counters{})
	if e.TryEmit(context.Background()) {
		t.Fatal("expected no emission without a pending snapshot")
	}
}
