// Package policy implements the Policy Manager: the component that
// merges an inbound Decoder Manifest and CollectionScheme list into the
// three runtime artifacts the rest of the agent consumes — a Decoder
// Dictionary, an Inspection Matrix, and a Fetch Matrix — and
// republishes them whenever a scheme crosses its Idle/Enabled
// boundary.
package policy

import (
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/expr"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/telemetry"
)

// SchemeState tracks where a scheme sits relative to its
// start_time_ms_epoch/expiry_time_ms_epoch window.
type SchemeState uint8

const (
	SchemeIdle SchemeState = iota
	SchemeEnabled
)

func (s SchemeState) String() string {
	if s == SchemeEnabled {
		return "enabled"
	}
	return "idle"
}

// Manifest is the Manager's parsed, decode-ready form of a
// telemetry.DecoderManifest.
type Manifest struct {
	ID          string
	CanRules    []decode.CanRule
	PidRules    []decode.PidRule
	CustomRules []decode.CustomRule
	ComplexRefs []dictionary.ComplexSignalRef
}

// Scheme is the Manager's parsed, decode-ready form of one
// telemetry.CollectionScheme.
type Scheme struct {
	ID                       string
	ManifestID               string
	StartTimeMs              int64
	ExpiryTimeMs             int64
	MinimumTriggerIntervalMs int64
	TriggerMode              inspection.TriggerMode
	AfterDurationMs          int64
	IncludeDTCs              bool
	Priority                 int
	PersistFlag              bool
	CompressFlag             bool
	Tree                     *expr.Tree
	Signals                  []inspection.SignalSpec
	SignalsCollected         []decode.SignalID
	FetchDirectives          []fetch.Directive
	State                    SchemeState
}

// Listener receives the three published artifacts and Checkin events
// after every rebuild pass that changes something. The Manager calls
// these synchronously from its own goroutine; implementations must not
// block or call back into the Manager.
type Listener interface {
	OnDictionary(*dictionary.Dictionary)
	OnInspectionMatrix(*inspection.Matrix)
	OnFetchMatrix(*fetch.Matrix)
	OnCheckin(telemetry.Checkin)
}
