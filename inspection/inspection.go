// Package inspection compiles the Inspection Matrix: the runtime form
// of active trigger conditions plus the per-signal windowing
// parameters the Sample Store must provision.
package inspection

import (
	"fmt"
	"sort"

	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/expr"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/sample"
)

// TriggerMode selects when a condition fires once evaluated true.
type TriggerMode uint8

const (
	TriggerAlways TriggerMode = iota
	TriggerRisingEdge
)

// SignalSpec declares one signal's windowing requirements as demanded
// by a single scheme.
type SignalSpec struct {
	SignalID                decode.SignalID
	SampleBufferSize        int
	MinimumSampleIntervalMs int64
	FixedWindowPeriodMs     int64
	ConditionOnly           bool
}

// SchemeInput is everything Compile needs from one Enabled scheme; the
// policy package is responsible for constructing these from its own
// CollectionScheme records so this package never needs to import
// policy.
type SchemeInput struct {
	SchemeID                 string
	ManifestID               string
	Tree                     *expr.Tree
	Signals                  []SignalSpec
	MinimumTriggerIntervalMs int64
	TriggerMode              TriggerMode
	AfterDurationMs          int64
	IncludeDTCs              bool
	Priority                 int
	SignalsCollected         []decode.SignalID
	PersistFlag              bool
	CompressFlag             bool
}

// Condition is one compiled entry of the Inspection Matrix.
type Condition struct {
	SchemeID                 string
	Tree                     *expr.Tree
	Signals                  []SignalSpec
	MinimumTriggerIntervalMs int64
	TriggerMode              TriggerMode
	AfterDurationMs          int64
	IncludeDTCs              bool
	Priority                 int
	SignalsCollected         []decode.SignalID
	PersistFlag              bool
	CompressFlag             bool
}

// Matrix is the compiled Inspection Matrix artifact.
type Matrix struct {
	Conditions []Condition
}

// Excluded records a scheme that could not be compiled into the
// matrix, and why.
type Excluded struct {
	SchemeID string
	Err      error
}

// Compile builds a Matrix from the given Enabled-scheme inputs.
// manifestID is the active Decoder Manifest's sync ID; a scheme
// declaring a different ManifestID stays loaded (its signals keep
// contributing to the Decoder Dictionary and Fetch Matrix) but its
// condition is excluded here until the manifests line up.
// Schemes are processed in SchemeID order so exclusion decisions are
// deterministic: when two schemes demand different non-zero
// fixed_window_period_ms for the same signal, the later scheme (by
// SchemeID) is excluded with a SchemaInvalid error rather than the
// whole compile failing.
func Compile(schemes []SchemeInput, manifestID string) (*Matrix, []Excluded) {
	ordered := append([]SchemeInput(nil), schemes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SchemeID < ordered[j].SchemeID })

	windowPeriodBySignal := map[decode.SignalID]int64{}
	var excluded []Excluded
	m := &Matrix{}

	for _, sc := range ordered {
		if sc.ManifestID != manifestID {
			excluded = append(excluded, Excluded{
				SchemeID: sc.SchemeID,
				Err: fmt.Errorf(
					"inspection: scheme %s is out of sync: references decoder manifest %q, active manifest is %q",
					sc.SchemeID, sc.ManifestID, manifestID),
			})
			continue
		}
		if conflict := firstWindowConflict(sc, windowPeriodBySignal); conflict != 0 {
			excluded = append(excluded, Excluded{
				SchemeID: sc.SchemeID,
				Err: fault.New(fault.KindSchemaInvalid, fmt.Errorf(
					"inspection: scheme %s demands fixed_window_period_ms for signal %d inconsistent with an earlier scheme",
					sc.SchemeID, conflict)),
			})
			continue
		}
		for _, sig := range sc.Signals {
			if sig.FixedWindowPeriodMs != 0 {
				windowPeriodBySignal[sig.SignalID] = sig.FixedWindowPeriodMs
			}
		}
		m.Conditions = append(m.Conditions, Condition{
			SchemeID:                 sc.SchemeID,
			Tree:                     sc.Tree,
			Signals:                  sc.Signals,
			MinimumTriggerIntervalMs: sc.MinimumTriggerIntervalMs,
			TriggerMode:              sc.TriggerMode,
			AfterDurationMs:          sc.AfterDurationMs,
			IncludeDTCs:              sc.IncludeDTCs,
			Priority:                 sc.Priority,
			SignalsCollected:         sc.SignalsCollected,
			PersistFlag:              sc.PersistFlag,
			CompressFlag:             sc.CompressFlag,
		})
	}
	return m, excluded
}

func firstWindowConflict(sc SchemeInput, seen map[decode.SignalID]int64) decode.SignalID {
	for _, sig := range sc.Signals {
		if sig.FixedWindowPeriodMs == 0 {
			continue
		}
		if existing, ok := seen[sig.SignalID]; ok && existing != sig.FixedWindowPeriodMs {
			return sig.SignalID
		}
	}
	return 0
}

// MinTriggerIntervalMs returns the minimum MinimumTriggerIntervalMs
// across all conditions, the tick period the Trigger Engine runs at.
// Returns 0 (meaning "no conditions") when the matrix is empty.
func (m *Matrix) MinTriggerIntervalMs() int64 {
	var min int64
	for i, c := range m.Conditions {
		if i == 0 || c.MinimumTriggerIntervalMs < min {
			min = c.MinimumTriggerIntervalMs
		}
	}
	return min
}

// AggregatedSignalSpecs reduces per-scheme SignalSpecs to the per-signal
// union the Sample Store must provision: sample_buffer_size is the max
// demanded, fixed_window_period_ms the (by this point consistent)
// declared value. minimum_sample_interval_ms is not carried: sample.Spec
// has no field for it.
func (m *Matrix) AggregatedSignalSpecs() []sample.Spec {
	agg := map[decode.SignalID]sample.Spec{}
	for _, c := range m.Conditions {
		for _, sig := range c.Signals {
			cur, ok := agg[sig.SignalID]
			if !ok {
				agg[sig.SignalID] = sample.Spec{
					SignalID:            sig.SignalID,
					SampleBufferSize:    sig.SampleBufferSize,
					FixedWindowPeriodMs: sig.FixedWindowPeriodMs,
				}
				continue
			}
			if sig.SampleBufferSize > cur.SampleBufferSize {
				cur.SampleBufferSize = sig.SampleBufferSize
			}
			if sig.FixedWindowPeriodMs != 0 {
				cur.FixedWindowPeriodMs = sig.FixedWindowPeriodMs
			}
			agg[sig.SignalID] = cur
		}
	}
	out := make([]sample.Spec, 0, len(agg))
	for _, sp := range agg {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}
