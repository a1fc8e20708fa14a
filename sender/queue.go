// Package sender implements the Sender Worker: it drains outbound
// payload queues, hands each payload to the connectivity collaborator
// through the narrow Transport interface, and replays persisted
// undelivered payloads on a retry tick.
package sender

import (
	"sync/atomic"

	"github.com/vectaiot/edgeagent/telemetry"
)

// Outbound is one queued telemetry payload plus the delivery flags its
// originating scheme declared.
type Outbound struct {
	Payload  telemetry.Payload
	Persist  bool
	Compress bool
}

// Queue is a bounded queue of outbound payloads. Like the Signal
// Buffer, it never blocks producers: a full queue drops the newest
// entry and increments a counter.
type Queue struct {
	ch      chan Outbound
	dropped atomic.Uint64
}

// NewQueue returns a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Outbound, capacity)}
}

// Push enqueues an outbound payload, returning false if it was dropped
// for backpressure.
func (q *Queue) Push(o Outbound) bool {
	select {
	case q.ch <- o:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C exposes the consumer side of the queue.
func (q *Queue) C() <-chan Outbound { return q.ch }

// Dropped returns the number of payloads dropped for backpressure.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
