// Package acquisition implements the Raw Frame Reader: one non-blocking
// batched reader per CAN interface, decoding frames through the active
// Decoder Dictionary into the Signal Buffer.
package acquisition

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/sample"
)

// State is a Raw Frame Reader lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateSleeping
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats is a per-interface observability snapshot.
type Stats struct {
	FramesRead      uint64
	FramesDropped   uint64
	NonMonotonic    uint64
	State           State
}

// Config holds the Reader's per-interface options.
type Config struct {
	InterfaceNumericID uint32
	BatchSize          int // B; defaults to 10
	IdleTime           time.Duration
}

// Reader owns one CAN interface's batched, non-blocking reads and feeds
// decoded samples into the Signal Buffer.
type Reader struct {
	iface    string
	cfg      Config
	bus      canbus.Bus
	buf      *sample.Buffer
	logger   *slog.Logger
	counters *fault.Counters

	dict atomic.Pointer[dictionary.Dictionary]
	wake chan struct{}

	state         atomic.Int32
	framesRead    atomic.Uint64
	framesDropped atomic.Uint64
	nonMonotonic  atomic.Uint64
	lastTsMs      atomic.Int64
}

// NewReader returns a Reader bound to bus, one CAN interface's socket.
func NewReader(iface string, cfg Config, bus canbus.Bus, buf *sample.Buffer, logger *slog.Logger, counters *fault.Counters) *Reader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleTime <= 0 {
		cfg.IdleTime = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		iface:    iface,
		cfg:      cfg,
		bus:      bus,
		buf:      buf,
		logger:   logger,
		counters: counters,
		wake:     make(chan struct{}, 1),
	}
}

// SetDictionary installs a new active Decoder Dictionary, waking the
// reader if it was sleeping for lack of one.
func (r *Reader) SetDictionary(d *dictionary.Dictionary) {
	r.dict.Store(d)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// State returns the reader's current lifecycle state.
func (r *Reader) State() State { return State(r.state.Load()) }

func (r *Reader) setState(s State) { r.state.Store(int32(s)) }

// Stats returns a point-in-time snapshot for diagnostics.
func (r *Reader) Stats() Stats {
	return Stats{
		FramesRead:    r.framesRead.Load(),
		FramesDropped: r.framesDropped.Load(),
		NonMonotonic:  r.nonMonotonic.Load(),
		State:         r.State(),
	}
}

// Run drives the reader's Stopped→Starting→Running↔Sleeping→Stopping
// state machine until ctx is cancelled or a fatal bus error occurs.
func (r *Reader) Run(ctx context.Context) error {
	r.setState(StateStarting)
	defer r.setState(StateStopped)
	r.setState(StateRunning)

	discardNext := false
	batcher, _ := r.bus.(canbus.BatchReceiver)

	for {
		if ctx.Err() != nil {
			r.setState(StateStopping)
			return nil
		}

		if r.dict.Load() == nil {
			r.setState(StateSleeping)
			select {
			case <-r.wake:
			case <-ctx.Done():
				r.setState(StateStopping)
				return nil
			}
			r.setState(StateRunning)
			discardNext = true
			continue
		}

		var batch []canbus.Frame
		var err error
		if batcher != nil {
			batch, err = batcher.ReceiveBatch(ctx, r.cfg.BatchSize)
		} else {
			var f canbus.Frame
			f, err = r.bus.Receive(ctx)
			if err == nil {
				batch = []canbus.Frame{f}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				r.setState(StateStopping)
				return nil
			}
			if isDeviceRemoved(err) {
				return fault.New(fault.KindBusFatal, err)
			}
			r.logger.Warn("acquisition: transient bus error", "interface", r.iface, "err", err)
			if r.counters != nil {
				r.counters.Incr(fault.KindBusTransient)
			}
			continue
		}

		if discardNext {
			discardNext = false
			continue
		}

		if len(batch) == 0 {
			select {
			case <-time.After(r.cfg.IdleTime):
			case <-r.wake:
			case <-ctx.Done():
				r.setState(StateStopping)
				return nil
			}
			continue
		}

		d := r.dict.Load()
		for _, f := range batch {
			r.process(d, f)
		}
	}
}

func (r *Reader) process(d *dictionary.Dictionary, f canbus.Frame) {
	r.framesRead.Add(1)

	tsMs := f.Timestamp.UnixMilli()
	if prev := r.lastTsMs.Load(); tsMs < prev {
		r.nonMonotonic.Add(1)
		if r.counters != nil {
			r.counters.IncrNonMonotonic()
		}
	}
	r.lastTsMs.Store(tsMs)

	rules := d.CanRulesFor(r.cfg.InterfaceNumericID, f.ID)
	if len(rules) == 0 {
		return
	}
	payload := f.Data[:f.Len]
	for _, rule := range rules {
		s, err := decode.DecodeCAN(rule, payload, tsMs)
		if err != nil {
			if r.counters != nil {
				r.counters.Incr(fault.KindSchemaInvalid)
			}
			continue
		}
		if !r.buf.PushSample(s) {
			r.framesDropped.Add(1)
			if r.counters != nil {
				r.counters.Incr(fault.KindBackpressureDrop)
			}
		}
	}
}
