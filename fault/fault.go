// Package fault defines the typed error kinds shared across the edge
// agent and the lock-free counters used to observe them.
package fault

import (
	"errors"
	"sync/atomic"
)

// Kind enumerates the error categories from the error handling design.
type Kind uint8

const (
	KindSchemaInvalid Kind = iota
	KindBusTransient
	KindBusFatal
	KindTypeMismatch
	KindEvalError
	KindBackpressureDrop
	KindPersistenceIoError
	KindSendFailure
)

func (k Kind) String() string {
	switch k {
	case KindSchemaInvalid:
		return "schema_invalid"
	case KindBusTransient:
		return "bus_transient"
	case KindBusFatal:
		return "bus_fatal"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindEvalError:
		return "eval_error"
	case KindBackpressureDrop:
		return "backpressure_drop"
	case KindPersistenceIoError:
		return "persistence_io_error"
	case KindSendFailure:
		return "send_failure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so
// errors.Is(err, fault.SchemaInvalid) style checks work without an
// underlying cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Err == nil
	}
	return false
}

func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Sentinel zero-cause errors usable directly with errors.Is.
var (
	SchemaInvalid      = &Error{Kind: KindSchemaInvalid}
	BusTransient       = &Error{Kind: KindBusTransient}
	BusFatal           = &Error{Kind: KindBusFatal}
	TypeMismatch       = &Error{Kind: KindTypeMismatch}
	EvalError          = &Error{Kind: KindEvalError}
	BackpressureDrop   = &Error{Kind: KindBackpressureDrop}
	PersistenceIoError = &Error{Kind: KindPersistenceIoError}
	SendFailure        = &Error{Kind: KindSendFailure}
)

// Counters is the process-wide trace/counter module: a set
// of lock-free atomic counters, one per error Kind, plus the non-monotonic
// timestamp counter from §4.2.
type Counters struct {
	schemaInvalid      atomic.Uint64
	busTransient       atomic.Uint64
	busFatal           atomic.Uint64
	typeMismatch       atomic.Uint64
	evalError          atomic.Uint64
	backpressureDrop   atomic.Uint64
	persistenceIoError atomic.Uint64
	sendFailure        atomic.Uint64
	nonMonotonic       atomic.Uint64
}

// Incr bumps the counter for kind by one.
func (c *Counters) Incr(kind Kind) {
	switch kind {
	case KindSchemaInvalid:
		c.schemaInvalid.Add(1)
	case KindBusTransient:
		c.busTransient.Add(1)
	case KindBusFatal:
		c.busFatal.Add(1)
	case KindTypeMismatch:
		c.typeMismatch.Add(1)
	case KindEvalError:
		c.evalError.Add(1)
	case KindBackpressureDrop:
		c.backpressureDrop.Add(1)
	case KindPersistenceIoError:
		c.persistenceIoError.Add(1)
	case KindSendFailure:
		c.sendFailure.Add(1)
	}
}

// IncrNonMonotonic bumps the non-monotonic-frame-timestamp counter.
func (c *Counters) IncrNonMonotonic() { c.nonMonotonic.Add(1) }

// Snapshot returns a point-in-time copy of all counters for diagnostics.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		KindSchemaInvalid.String():      c.schemaInvalid.Load(),
		KindBusTransient.String():       c.busTransient.Load(),
		KindBusFatal.String():           c.busFatal.Load(),
		KindTypeMismatch.String():       c.typeMismatch.Load(),
		KindEvalError.String():          c.evalError.Load(),
		KindBackpressureDrop.String():   c.backpressureDrop.Load(),
		KindPersistenceIoError.String(): c.persistenceIoError.Load(),
		KindSendFailure.String():        c.sendFailure.Load(),
		"non_monotonic_timestamp":       c.nonMonotonic.Load(),
	}
}
