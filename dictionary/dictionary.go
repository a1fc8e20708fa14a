// Package dictionary compiles a Decoder Dictionary: the per-protocol,
// per-key index of active decoding rules that the Policy Manager
// publishes and the CAN/OBD decoders and Raw Frame Reader consume.
//
// A Dictionary is immutable once built; the Policy Manager rebuilds and
// republishes a new one by atomic pointer swap rather than mutating a
// live instance.
package dictionary

import "github.com/vectaiot/edgeagent/decode"

// CanKey identifies a decodable CAN frame: the interface it arrives on
// plus its numeric frame ID.
type CanKey struct {
	InterfaceNumericID uint32
	FrameID            uint32
}

// CustomKey identifies a custom decoder's association.
type CustomKey struct {
	InterfaceID string
	DecoderName string
}

// ComplexSignalRef records a partial-signal reference into a complex
// structured signal. Decoding the referenced structure is an external
// data-source shim's responsibility; the
// dictionary only carries the identity mapping so the Policy Manager
// can deduplicate partial-signal IDs by (parent, path).
type ComplexSignalRef struct {
	SignalID       decode.SignalID
	ParentSignalID decode.SignalID
	Path           string
}

// Dictionary is the tagged-variant decoder artifact: one map per
// protocol, each keyed the way that protocol's decoder looks things up.
type Dictionary struct {
	Can     map[CanKey][]decode.CanRule
	Obd     map[uint16][]decode.PidRule
	Custom  map[CustomKey][]decode.CustomRule
	Complex map[decode.SignalID]ComplexSignalRef
}

// Empty returns a Dictionary with all maps initialized but empty, the
// state a fresh Policy Manager publishes before any manifest arrives.
func Empty() *Dictionary {
	return &Dictionary{
		Can:     map[CanKey][]decode.CanRule{},
		Obd:     map[uint16][]decode.PidRule{},
		Custom:  map[CustomKey][]decode.CustomRule{},
		Complex: map[decode.SignalID]ComplexSignalRef{},
	}
}

// Build compiles a Dictionary restricted to rules whose SignalID is in
// enabled, implementing the "dictionary minimality" invariant: a
// frame/PID appears in the dictionary iff at least one signal
// referenced by an Enabled scheme decodes from it.
func Build(canRules []decode.CanRule, pidRules []decode.PidRule, customRules []decode.CustomRule, complexRefs []ComplexSignalRef, enabled map[decode.SignalID]bool) *Dictionary {
	d := Empty()
	for _, r := range canRules {
		if !enabled[r.SignalID] {
			continue
		}
		key := CanKey{InterfaceNumericID: r.InterfaceNumericID, FrameID: r.FrameID}
		d.Can[key] = append(d.Can[key], r)
	}
	for _, r := range pidRules {
		if !enabled[r.SignalID] {
			continue
		}
		d.Obd[r.PID] = append(d.Obd[r.PID], r)
	}
	for _, r := range customRules {
		if !enabled[r.SignalID] {
			continue
		}
		key := CustomKey{InterfaceID: r.InterfaceID, DecoderName: r.DecoderName}
		d.Custom[key] = append(d.Custom[key], r)
	}
	for _, c := range complexRefs {
		if !enabled[c.SignalID] {
			continue
		}
		d.Complex[c.SignalID] = c
	}
	return d
}

// CanRulesFor looks up the rules active for a given interface/frame
// pair, returning nil (not an error) when the frame carries no
// enabled signal, keeping the unmatched-frame drop path O(1).
func (d *Dictionary) CanRulesFor(interfaceNumericID, frameID uint32) []decode.CanRule {
	if d == nil {
		return nil
	}
	return d.Can[CanKey{InterfaceNumericID: interfaceNumericID, FrameID: frameID}]
}

// PidRulesFor looks up the rules active for a PID.
func (d *Dictionary) PidRulesFor(pid uint16) []decode.PidRule {
	if d == nil {
		return nil
	}
	return d.Obd[pid]
}

// PIDForSignal returns the PID a signal decodes from, if the signal is
// OBD-sourced, for proactive fetch directives targeting that signal.
func (d *Dictionary) PIDForSignal(signalID decode.SignalID) (uint16, bool) {
	if d == nil {
		return 0, false
	}
	for pid, rules := range d.Obd {
		for _, r := range rules {
			if r.SignalID == signalID {
				return pid, true
			}
		}
	}
	return 0, false
}

// RequestedPIDs returns the set of PIDs the dictionary currently
// decodes, used by the OBD Transactor to intersect with each ECU's
// supported-PID bitmap.
func (d *Dictionary) RequestedPIDs() []uint16 {
	if d == nil {
		return nil
	}
	out := make([]uint16, 0, len(d.Obd))
	for pid := range d.Obd {
		out = append(out, pid)
	}
	return out
}
