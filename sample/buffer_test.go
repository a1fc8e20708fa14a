package sample

import (
	"testing"

	"github.com/vectaiot/edgeagent/decode"
)

func TestBuffer_DropsNewestWhenFull(t *testing.T) {
	b := NewBuffer(1)
	if ok := b.PushSample(decode.Sample{SignalID: 1}); !ok {
		t.Fatal("expected first push to succeed")
	}
	if ok := b.PushSample(decode.Sample{SignalID: 2}); ok {
		t.Fatal("expected second push to be dropped")
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped item, got %d", b.Dropped())
	}

	item := <-b.C()
	if item.Sample.SignalID != 1 {
		t.Fatalf("expected the first (oldest) item to survive, got signal %d", item.Sample.SignalID)
	}
}

func TestBuffer_DTCEmittedEvenWhenEmpty(t *testing.T) {
	b := NewBuffer(2)
	b.PushDTC(DTC{ECU: "0x7E8", Codes: nil, TimestampMs: 1000})
	item := <-b.C()
	if item.DTC == nil || item.DTC.ECU != "0x7E8" {
		t.Fatalf("expected DTC item, got %+v", item)
	}
	if len(item.DTC.Codes) != 0 {
		t.Fatal("expected empty codes to be preserved, not dropped")
	}
}
