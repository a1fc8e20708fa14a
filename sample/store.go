package sample

import (
	"sync"

	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/expr"
)

// Spec declares the windowing parameters the Store must provision for
// one signal, mirroring inspection.SignalSpec without importing the
// inspection package (Store is a dependency of inspection, not the
// other way around).
type Spec struct {
	SignalID            decode.SignalID
	SampleBufferSize    int
	FixedWindowPeriodMs int64
}

// Store is the Sample Store: one Ring plus one window tracker per
// signal referenced by any Enabled condition. It implements
// expr.SampleView so the Expression Evaluator can read it directly.
type Store struct {
	mu      sync.RWMutex
	rings   map[decode.SignalID]*Ring
	windows map[decode.SignalID]*window
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		rings:   map[decode.SignalID]*Ring{},
		windows: map[decode.SignalID]*window{},
	}
}

// Reconcile provisions rings and window trackers for specs, growing
// existing rings if a larger buffer is now demanded (resized up, never
// down, until the scheme set changes) and removing signals no longer
// referenced by any Enabled condition.
func (s *Store) Reconcile(specs []Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[decode.SignalID]Spec, len(specs))
	for _, sp := range specs {
		wanted[sp.SignalID] = sp
	}

	for id := range s.rings {
		if _, ok := wanted[id]; !ok {
			delete(s.rings, id)
			delete(s.windows, id)
		}
	}

	for id, sp := range wanted {
		r, ok := s.rings[id]
		if !ok {
			r = NewRing(maxInt(sp.SampleBufferSize, 1))
			s.rings[id] = r
		} else {
			r.Resize(sp.SampleBufferSize)
		}
		w, ok := s.windows[id]
		if !ok || w.periodMs != sp.FixedWindowPeriodMs {
			s.windows[id] = newWindow(sp.FixedWindowPeriodMs)
		}
	}
}

// Insert records a decoded sample, updating its ring and window
// tracker if the store is provisioned for that signal (samples for
// signals no condition references are simply not provisioned and are
// dropped here, never reaching a ring).
func (s *Store) Insert(smp decode.Sample) {
	s.mu.RLock()
	r, ringOK := s.rings[smp.SignalID]
	w, winOK := s.windows[smp.SignalID]
	s.mu.RUnlock()
	if !ringOK {
		return
	}
	r.Push(smp)
	if winOK {
		w.add(smp.TimestampMs, smp.Value.Float64())
	}
}

// RingFor returns the Ring for a signal, for the Trigger Engine's
// payload assembly (most-recent N samples).
func (s *Store) RingFor(signalID decode.SignalID) (*Ring, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[signalID]
	return r, ok
}

// Current implements expr.SampleView.
func (s *Store) Current(signalID uint32) (expr.Result, bool) {
	s.mu.RLock()
	r, ok := s.rings[decode.SignalID(signalID)]
	s.mu.RUnlock()
	if !ok {
		return expr.Result{}, false
	}
	smp, ok := r.Latest()
	if !ok {
		return expr.Result{}, false
	}
	return expr.Result{Kind: expr.KindDouble, Double: smp.Value.Float64()}, true
}

// WindowAggregate implements expr.SampleView.
func (s *Store) WindowAggregate(signalID uint32, wt expr.WindowType) (float64, bool) {
	s.mu.RLock()
	w, ok := s.windows[decode.SignalID(signalID)]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return w.aggregateFor(wt)
}

// IsNull implements expr.SampleView.
func (s *Store) IsNull(signalID uint32) bool {
	s.mu.RLock()
	r, ok := s.rings[decode.SignalID(signalID)]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	return r.Len() == 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
