// Package sample implements the Signal Buffer and Sample Store:
// per-signal ring buffers sized to the maximum buffer size any active
// condition demands, plus the fixed-window aggregates the Expression
// Evaluator reads through Store, which implements expr.SampleView.
package sample

import (
	"sync"

	"github.com/vectaiot/edgeagent/decode"
)

// Ring is a bounded circular buffer of Samples for one signal, held in
// arrival order. It only ever grows: Resize never shrinks below the
// current occupancy until the scheme set changes.
type Ring struct {
	mu   sync.Mutex
	data []decode.Sample
	head int // index of the oldest element
	n    int // number of valid elements
}

// NewRing returns a Ring with the given initial capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{data: make([]decode.Sample, capacity)}
}

// Resize grows the ring's capacity to at least newCap, preserving
// existing contents in arrival order. A newCap at or below the current
// capacity is a no-op.
func (r *Ring) Resize(newCap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newCap <= len(r.data) {
		return
	}
	ordered := r.snapshotLocked()
	r.data = make([]decode.Sample, newCap)
	copy(r.data, ordered)
	r.head = 0
	r.n = len(ordered)
}

// Push appends a sample, evicting the oldest entry if the ring is at
// capacity.
func (r *Ring) Push(s decode.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.n) % len(r.data)
	if r.n == len(r.data) {
		r.data[idx] = s
		r.head = (r.head + 1) % len(r.data)
		return
	}
	r.data[idx] = s
	r.n++
}

// Latest returns the most recently pushed sample, if any.
func (r *Ring) Latest() (decode.Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return decode.Sample{}, false
	}
	idx := (r.head + r.n - 1) % len(r.data)
	return r.data[idx], true
}

// Len returns the number of samples currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Snapshot returns the ring's contents in arrival order, oldest first.
func (r *Ring) Snapshot() []decode.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring) snapshotLocked() []decode.Sample {
	out := make([]decode.Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}
