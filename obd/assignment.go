package obd

import "sync"

// PIDAssignment tracks which ECU each requested PID has been assigned
// to for the lifetime of the current decoder dictionary: once an ECU
// has answered for a PID, that PID is never re-assigned to another
// ECU.
type PIDAssignment struct {
	mu       sync.Mutex
	assigned map[uint16]uint32 // pid -> ECU RxID
}

// NewPIDAssignment returns an empty assignment tracker.
func NewPIDAssignment() *PIDAssignment {
	return &PIDAssignment{assigned: map[uint16]uint32{}}
}

// Partition assigns each requested PID to the first ECU (in the given
// order) that supports it, preferring an existing sticky assignment,
// and groups the result by ECU RxID.
func (a *PIDAssignment) Partition(requested []uint16, ecus []ECU) map[uint32][]uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := map[uint32][]uint16{}
	for _, pid := range requested {
		if rx, ok := a.assigned[pid]; ok {
			out[rx] = append(out[rx], pid)
			continue
		}
		for _, e := range ecus {
			if e.SupportedPIDs[pid] {
				a.assigned[pid] = e.RxID
				out[e.RxID] = append(out[e.RxID], pid)
				break
			}
		}
	}
	return out
}

// Reset clears all sticky assignments, called when the decoder
// dictionary changes and PIDs must be re-evaluated from scratch.
func (a *PIDAssignment) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assigned = map[uint16]uint32{}
}
