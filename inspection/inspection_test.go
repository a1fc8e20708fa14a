package inspection

import (
	"testing"

	"github.com/vectaiot/edgeagent/decode"
)

func TestCompile_ConsistentWindowAcrossSchemes(t *testing.T) {
	schemes := []SchemeInput{
		{SchemeID: "A", Signals: []SignalSpec{{SignalID: 1, SampleBufferSize: 5, FixedWindowPeriodMs: 100}}},
		{SchemeID: "B", Signals: []SignalSpec{{SignalID: 1, SampleBufferSize: 10, FixedWindowPeriodMs: 100}}},
	}
	m, excluded := Compile(schemes, "")
	if len(excluded) != 0 {
		t.Fatalf("expected no exclusions, got %+v", excluded)
	}
	if len(m.Conditions) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(m.Conditions))
	}
	specs := m.AggregatedSignalSpecs()
	if len(specs) != 1 || specs[0].SampleBufferSize != 10 {
		t.Fatalf("expected aggregated buffer size 10, got %+v", specs)
	}
}

func TestCompile_InconsistentWindowExcludesLaterScheme(t *testing.T) {
	schemes := []SchemeInput{
		{SchemeID: "A", Signals: []SignalSpec{{SignalID: 1, FixedWindowPeriodMs: 100}}},
		{SchemeID: "B", Signals: []SignalSpec{{SignalID: 1, FixedWindowPeriodMs: 200}}},
	}
	m, excluded := Compile(schemes, "")
	if len(excluded) != 1 || excluded[0].SchemeID != "B" {
		t.Fatalf("expected scheme B excluded, got %+v", excluded)
	}
	if len(m.Conditions) != 1 || m.Conditions[0].SchemeID != "A" {
		t.Fatalf("expected only scheme A compiled, got %+v", m.Conditions)
	}
}

func TestCompile_OutOfSyncSchemeExcluded(t *testing.T) {
	schemes := []SchemeInput{
		{SchemeID: "A", ManifestID: "DM1", Signals: []SignalSpec{{SignalID: 1, SampleBufferSize: 1}}},
		{SchemeID: "B", ManifestID: "DM2", Signals: []SignalSpec{{SignalID: 2, SampleBufferSize: 1}}},
	}
	m, excluded := Compile(schemes, "DM1")
	if len(excluded) != 1 || excluded[0].SchemeID != "B" {
		t.Fatalf("expected out-of-sync scheme B excluded, got %+v", excluded)
	}
	if len(m.Conditions) != 1 || m.Conditions[0].SchemeID != "A" {
		t.Fatalf("expected only scheme A compiled, got %+v", m.Conditions)
	}
}

func TestMinTriggerIntervalMs(t *testing.T) {
	schemes := []SchemeInput{
		{SchemeID: "A", MinimumTriggerIntervalMs: 500},
		{SchemeID: "B", MinimumTriggerIntervalMs: 100},
	}
	m, _ := Compile(schemes, "")
	if got := m.MinTriggerIntervalMs(); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestAggregatedSignalSpecs_MaxBuffer(t *testing.T) {
	schemes := []SchemeInput{
		{SchemeID: "A", Signals: []SignalSpec{{SignalID: decode.SignalID(9), SampleBufferSize: 3}}},
		{SchemeID: "B", Signals: []SignalSpec{{SignalID: decode.SignalID(9), SampleBufferSize: 7}}},
	}
	m, _ := Compile(schemes, "")
	specs := m.AggregatedSignalSpecs()
	if len(specs) != 1 || specs[0].SampleBufferSize != 7 {
		t.Fatalf("expected max buffer size 7, got %+v", specs)
	}
}
