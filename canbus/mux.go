package canbus

import (
	"context"
	"sync"
)

// Mux multiplexes frames from a Bus to any number of filtered subscribers.
//
// It owns the provided Bus for receiving and runs a single background
// goroutine that reads via Receive and fans frames out to subscribers. This
// keeps exactly one goroutine calling Receive per socket, matching the
// "sockets owned by exactly one thread" rule in the concurrency model.
//
// Send is not proxied; callers keep using the original Bus to send.
type Mux struct {
	bus  Bus
	stop chan struct{}

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux creates and starts a multiplexer bound to the given Bus.
func NewMux(ctx context.Context, bus Bus) *Mux {
	m := &Mux{
		bus:  bus,
		stop: make(chan struct{}),
		subs: make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Close stops the background reader and closes all subscriber channels.
func (m *Mux) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	m.mu.Lock()
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	return nil
}

// Subscribe registers a subscriber with the given filter and channel buffer.
// The cancel function must be called when the subscription is no longer needed.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

func (m *Mux) run(ctx context.Context) {
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			m.Close()
			return
		default:
		}
		f, err := m.bus.Receive(ctx)
		if err != nil {
			m.mu.Lock()
			for id, s := range m.subs {
				close(s.ch)
				delete(m.subs, id)
			}
			m.mu.Unlock()
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
					// Slow subscriber; drop rather than block the reader.
				}
			}
		}
		m.mu.RUnlock()
	}
}
