package sample

import (
	"sync/atomic"

	"github.com/vectaiot/edgeagent/decode"
)

// DTC is a diagnostic trouble code report from one ECU, emitted even
// when empty so scheme conditions can observe "no DTCs".
type DTC struct {
	ECU         string
	Codes       []string
	TimestampMs int64
}

// Item is one entry on the Signal Buffer: exactly one of Sample or DTC
// is set.
type Item struct {
	Sample *decode.Sample
	DTC    *DTC
}

// Buffer is the bounded multi-producer/single-consumer queue of
// decoded samples and DTCs. It never
// blocks producers: a full buffer drops the newest item and increments
// a counter, rather than evicting or blocking.
type Buffer struct {
	ch      chan Item
	dropped atomic.Uint64
}

// NewBuffer returns a Buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ch: make(chan Item, capacity)}
}

// PushSample enqueues a decoded sample, returning false if it was
// dropped for backpressure.
func (b *Buffer) PushSample(s decode.Sample) bool {
	return b.push(Item{Sample: &s})
}

// PushDTC enqueues a DTC report, returning false if it was dropped.
func (b *Buffer) PushDTC(d DTC) bool {
	return b.push(Item{DTC: &d})
}

func (b *Buffer) push(item Item) bool {
	select {
	case b.ch <- item:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// C exposes the consumer side of the queue.
func (b *Buffer) C() <-chan Item {
	return b.ch
}

// Dropped returns the number of items dropped for backpressure so far.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}
