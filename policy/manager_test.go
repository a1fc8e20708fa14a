package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/persistence"
	"github.com/vectaiot/edgeagent/telemetry"
)

type fakeListener struct {
	dict        *dictionary.Dictionary
	matrix      *inspection.Matrix
	fetchMatrix *fetch.Matrix
	checkins    []telemetry.Checkin
}

func (f *fakeListener) OnDictionary(d *dictionary.Dictionary)   { f.dict = d }
func (f *fakeListener) OnInspectionMatrix(m *inspection.Matrix) { f.matrix = m }
func (f *fakeListener) OnFetchMatrix(m *fetch.Matrix)           { f.fetchMatrix = m }
func (f *fakeListener) OnCheckin(c telemetry.Checkin)           { f.checkins = append(f.checkins, c) }

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func testManifest() telemetry.DecoderManifest {
	return telemetry.DecoderManifest{
		SyncID: "manifest-1",
		CanSignals: []telemetry.CanSignal{
			{
				SignalID:        10,
				InterfaceID:     "can0",
				MessageID:       0x100,
				StartBit:        0,
				Length:          8,
				Factor:          1,
				Offset:          0,
				PrimitiveType:   "integer",
				SignalValueType: "u8",
			},
		},
	}
}

func activeTimeBasedScheme() telemetry.CollectionScheme {
	return telemetry.CollectionScheme{
		CampaignSyncID:        "scheme-1",
		DecoderManifestSyncID: "manifest-1",
		StartTimeMsEpoch:      0,
		ExpiryTimeMsEpoch:     1_000_000,
		TimeBased:             &telemetry.TimeBasedTrigger{PeriodMs: 1000},
		SignalInformation: []telemetry.SignalInformation{
			{SignalID: 10, SampleBufferSize: 4},
		},
	}
}

func TestRebuildPublishesDictionaryAndMatrix(t *testing.T) {
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	clk := clock.NewFake(1000)
	listener := &fakeListener{}
	mgr := NewManager(store, map[string]uint32{"can0": 1}, listener, clk, 0)

	mgr.SubmitDecoderManifest(mustMarshal(t, testManifest()))
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{activeTimeBasedScheme()},
	}))
	mgr.rebuild(context.Background())

	if rules := listener.dict.CanRulesFor(1, 0x100); len(rules) != 1 {
		t.Fatalf("expected 1 CAN rule in published dictionary, got %d", len(rules))
	}
	if len(listener.matrix.Conditions) != 1 || listener.matrix.Conditions[0].SchemeID != "scheme-1" {
		t.Fatalf("expected scheme-1 in inspection matrix, got %+v", listener.matrix.Conditions)
	}
	if len(listener.checkins) == 0 {
		t.Fatalf("expected at least one checkin")
	}
	last := listener.checkins[len(listener.checkins)-1]
	foundManifest, foundScheme := false, false
	for _, id := range last.DocumentSyncIDs {
		if id == "manifest-1" {
			foundManifest = true
		}
		if id == "scheme-1" {
			foundScheme = true
		}
	}
	if !foundManifest || !foundScheme {
		t.Fatalf("checkin missing document sync IDs: %+v", last.DocumentSyncIDs)
	}
}

func TestOutOfSyncSchemeExcludedFromMatrix(t *testing.T) {
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	clk := clock.NewFake(1000)
	listener := &fakeListener{}
	mgr := NewManager(store, map[string]uint32{"can0": 1}, listener, clk, 0)

	mgr.SubmitDecoderManifest(mustMarshal(t, testManifest()))
	scheme := activeTimeBasedScheme()
	scheme.DecoderManifestSyncID = "some-other-manifest"
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{scheme},
	}))
	mgr.rebuild(context.Background())

	if len(listener.matrix.Conditions) != 0 {
		t.Fatalf("expected out-of-sync scheme excluded from matrix, got %+v", listener.matrix.Conditions)
	}

	// The scheme is still loaded as Enabled: its signals keep selecting
	// decoder rules, only its condition is withheld.
	mgr.mu.Lock()
	_, stillEnabled := mgr.enabled["scheme-1"]
	mgr.mu.Unlock()
	if !stillEnabled {
		t.Fatalf("expected out-of-sync scheme to remain loaded as enabled")
	}
	if rules := listener.dict.CanRulesFor(1, 0x100); len(rules) != 1 {
		t.Fatalf("expected out-of-sync scheme's signals still in the dictionary, got %d rules", len(rules))
	}

	last := listener.checkins[len(listener.checkins)-1]
	found := false
	for _, id := range last.DocumentSyncIDs {
		if id == "scheme-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected out-of-sync scheme listed in checkin, got %v", last.DocumentSyncIDs)
	}
}

func TestTimelineFlipsSchemeAtStartTime(t *testing.T) {
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	clk := clock.NewFake(0)
	listener := &fakeListener{}
	mgr := NewManager(store, map[string]uint32{"can0": 1}, listener, clk, 0)

	mgr.SubmitDecoderManifest(mustMarshal(t, testManifest()))
	scheme := activeTimeBasedScheme()
	scheme.StartTimeMsEpoch = 5000
	scheme.ExpiryTimeMsEpoch = 10000
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{scheme},
	}))
	mgr.rebuild(context.Background())

	if len(listener.matrix.Conditions) != 0 {
		t.Fatalf("expected future-start scheme excluded before its window opens")
	}

	clk.Advance(6000 * time.Millisecond)
	mgr.rebuild(context.Background())

	if len(listener.matrix.Conditions) != 1 {
		t.Fatalf("expected scheme-1 enabled once past its start time, got %+v", listener.matrix.Conditions)
	}
}

func TestSchemeDroppedAtExpiry(t *testing.T) {
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	clk := clock.NewFake(1500)
	listener := &fakeListener{}
	mgr := NewManager(store, map[string]uint32{"can0": 1}, listener, clk, 0)

	mgr.SubmitDecoderManifest(mustMarshal(t, testManifest()))
	scheme := activeTimeBasedScheme()
	scheme.StartTimeMsEpoch = 1000
	scheme.ExpiryTimeMsEpoch = 5000
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{scheme},
	}))
	mgr.rebuild(context.Background())

	if len(listener.matrix.Conditions) != 1 {
		t.Fatalf("expected scheme enabled inside its window")
	}

	clk.SetWallMs(5000)
	mgr.rebuild(context.Background())

	if len(listener.matrix.Conditions) != 0 {
		t.Fatalf("expected scheme dropped at expiry, got %+v", listener.matrix.Conditions)
	}
	mgr.mu.Lock()
	_, inIdle := mgr.idle["scheme-1"]
	_, inEnabled := mgr.enabled["scheme-1"]
	mgr.mu.Unlock()
	if inIdle || inEnabled {
		t.Fatal("expected expired scheme removed from both maps, not parked in idle")
	}
}

// A scheme update that moves the expiry earlier must take effect at the
// new time, and the original expiry's timeline entry must be discarded
// as stale when popped.
func TestTimelineUpdateObsoletesOriginalExpiryEntry(t *testing.T) {
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	clk := clock.NewFake(1500)
	listener := &fakeListener{}
	mgr := NewManager(store, map[string]uint32{"can0": 1}, listener, clk, 0)

	mgr.SubmitDecoderManifest(mustMarshal(t, testManifest()))
	scheme := activeTimeBasedScheme()
	scheme.StartTimeMsEpoch = 1000
	scheme.ExpiryTimeMsEpoch = 5000
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{scheme},
	}))
	mgr.rebuild(context.Background())

	// Update at t=2000 pulls the expiry in to t=3000.
	clk.SetWallMs(2000)
	scheme.ExpiryTimeMsEpoch = 3000
	mgr.SubmitCollectionSchemes(mustMarshal(t, telemetry.CollectionSchemes{
		CollectionSchemes: []telemetry.CollectionScheme{scheme},
	}))
	mgr.rebuild(context.Background())

	clk.SetWallMs(2500)
	mgr.rebuild(context.Background())
	if len(listener.matrix.Conditions) != 1 {
		t.Fatal("expected scheme still enabled at t=2500")
	}

	clk.SetWallMs(3000)
	mgr.rebuild(context.Background())
	if len(listener.matrix.Conditions) != 0 {
		t.Fatal("expected scheme dropped at the updated expiry t=3000")
	}

	// The original t=5000 entry is still queued; popping it must be a
	// no-op discard rather than a state change.
	clk.SetWallMs(5000)
	before := len(listener.checkins)
	mgr.rebuild(context.Background())
	if len(listener.checkins) != before {
		t.Fatal("expected stale original-expiry entry discarded without a republish")
	}
	mgr.mu.Lock()
	heapLen := mgr.timeline.Len()
	mgr.mu.Unlock()
	if heapLen != 0 {
		t.Fatalf("expected timeline drained, %d entries remain", heapLen)
	}
}

func TestSynthesizePartialSignalIDIsDeterministicAndAboveBase(t *testing.T) {
	a := synthesizePartialSignalID(decode.SignalID(42), "battery.cells[3].voltage")
	b := synthesizePartialSignalID(decode.SignalID(42), "battery.cells[3].voltage")
	if a != b {
		t.Fatalf("expected deterministic synthesis, got %d != %d", a, b)
	}
	if a < decode.PartialSignalIDBase {
		t.Fatalf("expected synthesized ID %d to be >= PartialSignalIDBase %d", a, decode.PartialSignalIDBase)
	}

	c := synthesizePartialSignalID(decode.SignalID(42), "battery.cells[3].current")
	if a == c {
		t.Fatalf("expected different paths to synthesize different IDs")
	}
}
