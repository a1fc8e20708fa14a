package policy

// timelineEntry is one pending Idle->Enabled or Enabled->dropped boundary:
// a scheme's start_time_ms_epoch while Idle, or its
// expiry_time_ms_epoch while Enabled. Entries are never updated in
// place — a scheme-list rebuild pushes new pairs alongside the old
// ones, so a popped entry must be checked against the scheme's current
// start/expiry before acting on it.
type timelineEntry struct {
	WallTimeMs int64
	SchemeID   string
}

// timelineHeap is a container/heap min-heap ordered by WallTimeMs.
type timelineHeap []timelineEntry

func (h timelineHeap) Len() int           { return len(h) }
func (h timelineHeap) Less(i, j int) bool { return h[i].WallTimeMs < h[j].WallTimeMs }
func (h timelineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timelineHeap) Push(x any) {
	*h = append(*h, x.(timelineEntry))
}

func (h *timelineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
