package sample

import (
	"testing"

	"github.com/vectaiot/edgeagent/decode"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(decode.Sample{SignalID: decode.SignalID(i)})
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	got := r.Snapshot()
	want := []int{2, 3, 4}
	for i, w := range want {
		if int(got[i].SignalID) != w {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i].SignalID, w)
		}
	}
}

func TestRing_ResizeGrowsAndPreservesOrder(t *testing.T) {
	r := NewRing(2)
	r.Push(decode.Sample{SignalID: 1})
	r.Push(decode.Sample{SignalID: 2})
	r.Resize(5)
	r.Push(decode.Sample{SignalID: 3})

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 samples after resize, got %d", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if int(got[i].SignalID) != want {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i].SignalID, want)
		}
	}
}

func TestRing_ResizeDownIsNoOp(t *testing.T) {
	r := NewRing(5)
	r.Resize(2)
	for i := 0; i < 5; i++ {
		r.Push(decode.Sample{SignalID: decode.SignalID(i)})
	}
	if r.Len() != 5 {
		t.Fatalf("expected resize-down to be a no-op, len=%d", r.Len())
	}
}

func TestRing_LatestOnEmpty(t *testing.T) {
	r := NewRing(1)
	if _, ok := r.Latest(); ok {
		t.Fatal("expected no latest sample on empty ring")
	}
}
