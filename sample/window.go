package sample

import (
	"sync"

	"github.com/vectaiot/edgeagent/expr"
)

// aggregate holds the min/max/avg of one closed fixed window.
type aggregate struct {
	min, max, sum float64
	count         int
}

func (a aggregate) avg() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

// window tracks the currently accumulating fixed window plus the most
// recently closed one and the one before that, giving LAST_WINDOW_* and
// PREV_WINDOW_* aggregates.
type window struct {
	mu sync.Mutex

	periodMs int64
	anchorMs int64 // wall-clock anchor of the window currently accumulating
	cur      aggregate
	haveCur  bool

	closed     aggregate
	haveClosed bool
	prev       aggregate
	havePrev   bool
}

func newWindow(periodMs int64) *window {
	return &window{periodMs: periodMs}
}

// add accumulates value v observed at nowMs, closing the current
// window first if nowMs has crossed into a new period: "a window is
// closed when floor(now/period) > floor(last_close/period)".
func (w *window) add(nowMs int64, v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.periodMs <= 0 {
		return
	}
	if w.haveCur && nowMs/w.periodMs > w.anchorMs/w.periodMs {
		w.prev, w.havePrev = w.closed, w.haveClosed
		w.closed, w.haveClosed = w.cur, true
		w.cur, w.haveCur = aggregate{}, false
	}
	if !w.haveCur {
		w.cur = aggregate{min: v, max: v, sum: v, count: 1}
		w.haveCur = true
		w.anchorMs = nowMs
		return
	}
	if v < w.cur.min {
		w.cur.min = v
	}
	if v > w.cur.max {
		w.cur.max = v
	}
	w.cur.sum += v
	w.cur.count++
}

// aggregateFor returns the requested window function's value.
func (w *window) aggregateFor(wt expr.WindowType) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch wt {
	case expr.LastWindowMin:
		return w.closed.min, w.haveClosed
	case expr.LastWindowMax:
		return w.closed.max, w.haveClosed
	case expr.LastWindowAvg:
		return w.closed.avg(), w.haveClosed
	case expr.PrevWindowMin:
		return w.prev.min, w.havePrev
	case expr.PrevWindowMax:
		return w.prev.max, w.havePrev
	case expr.PrevWindowAvg:
		return w.prev.avg(), w.havePrev
	default:
		return 0, false
	}
}
