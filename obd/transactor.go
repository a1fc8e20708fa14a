package obd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/isotp"
	"github.com/vectaiot/edgeagent/sample"
)

// Config holds the Transactor's process-wide OBD options.
type Config struct {
	PidRequestInterval time.Duration // 0 disables PID polling
	DtcRequestInterval time.Duration // 0 disables DTC polling
	Broadcast          bool
	DiscoveryWindow    time.Duration
}

// Transactor drives ECU discovery, PID partitioning, and DTC polling
// over one raw CAN bus.
type Transactor struct {
	bus      canbus.Bus
	cfg      Config
	buf      *sample.Buffer
	logger   *slog.Logger
	counters *fault.Counters

	dict       atomic.Pointer[dictionary.Dictionary]
	assignment *PIDAssignment

	mu       sync.Mutex
	ecus     []ECU
	sessions map[uint32]*isotp.Session
	mux      *canbus.Mux
}

// NewTransactor returns a Transactor ready to Run.
func NewTransactor(bus canbus.Bus, cfg Config, buf *sample.Buffer, logger *slog.Logger, counters *fault.Counters) *Transactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transactor{
		bus:        bus,
		cfg:        cfg,
		buf:        buf,
		logger:     logger,
		counters:   counters,
		assignment: NewPIDAssignment(),
		sessions:   map[uint32]*isotp.Session{},
	}
}

// SetDictionary installs a new Decoder Dictionary, resetting PID
// stickiness since the set of requested PIDs may have changed.
func (t *Transactor) SetDictionary(d *dictionary.Dictionary) {
	t.dict.Store(d)
	t.assignment.Reset()
}

// ECUs returns the currently discovered ECUs.
func (t *Transactor) ECUs() []ECU {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ECU(nil), t.ecus...)
}

// Run discovers ECUs then services the PID and DTC polling loops until
// ctx is cancelled. Discovery failure (empty ECU set with a transport
// error) is retried once per second; a broadcast socket setup failure
// is fatal.
func (t *Transactor) Run(ctx context.Context) error {
	for {
		err := t.discoverAndOpen(ctx)
		if err == nil {
			break
		}
		t.logger.Warn("obd: discovery failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}

	var pidC, dtcC <-chan time.Time
	if t.cfg.PidRequestInterval > 0 {
		ticker := time.NewTicker(t.cfg.PidRequestInterval)
		defer ticker.Stop()
		pidC = ticker.C
	}
	if t.cfg.DtcRequestInterval > 0 {
		ticker := time.NewTicker(t.cfg.DtcRequestInterval)
		defer ticker.Stop()
		dtcC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pidC:
			t.pollPIDs(ctx)
		case <-dtcC:
			if t.anyConditionWantsDTCs() {
				t.pollDTCs(ctx)
			}
		}
	}
}

// anyConditionWantsDTCs is overridden by the caller wiring DTC demand
// in from the Inspection Matrix; by default DTC polling always runs
// when the ticker is configured. Exposed for cmd/edgeagent to
// substitute real demand tracking.
var AnyConditionWantsDTCs = func() bool { return true }

func (t *Transactor) anyConditionWantsDTCs() bool { return AnyConditionWantsDTCs() }

func (t *Transactor) discoverAndOpen(ctx context.Context) error {
	window := t.cfg.DiscoveryWindow
	if window <= 0 {
		window = time.Second
	}
	ecus, err := Discover(ctx, t.bus, window)
	if err != nil {
		return fault.New(fault.KindBusFatal, err)
	}

	t.mu.Lock()
	t.mux = canbus.NewMux(ctx, t.bus)
	t.ecus = ecus
	t.mu.Unlock()

	for i := range ecus {
		e := &ecus[i]
		ch, cancel := t.mux.Subscribe(canbus.ByID(e.RxID), 32)
		sess := isotp.NewSession(t.bus, e.TxID, e.RxID, e.Extended, isotp.DefaultConfig, ch, cancel)
		t.mu.Lock()
		t.sessions[e.RxID] = sess
		t.mu.Unlock()

		supported, err := RequestSupportedPIDs(ctx, sess)
		if err != nil {
			t.logger.Warn("obd: supported-pid request failed", "ecu", e.RxID, "err", err)
			continue
		}
		e.SupportedPIDs = supported
	}
	t.mu.Lock()
	t.ecus = ecus
	t.mu.Unlock()
	return nil
}

func (t *Transactor) pollPIDs(ctx context.Context) {
	d := t.dict.Load()
	if d == nil {
		return
	}
	requested := d.RequestedPIDs()
	if len(requested) == 0 {
		return
	}

	t.mu.Lock()
	ecus := append([]ECU(nil), t.ecus...)
	sessions := make(map[uint32]*isotp.Session, len(t.sessions))
	for k, v := range t.sessions {
		sessions[k] = v
	}
	t.mu.Unlock()

	byECU := t.assignment.Partition(requested, ecus)
	for rxID, pids := range byECU {
		sess := sessions[rxID]
		if sess == nil {
			continue
		}
		for _, pid := range pids {
			body, err := RequestPID(ctx, sess, pid)
			if err != nil {
				if t.counters != nil {
					t.counters.Incr(fault.KindBusTransient)
				}
				continue
			}
			t.decodeAndEmit(d, pid, body)
			if t.cfg.Broadcast {
				t.flushOtherSessions(rxID, isotp.DefaultConfig.P2)
			}
		}
	}
}

func (t *Transactor) decodeAndEmit(d *dictionary.Dictionary, pid uint16, body []byte) {
	for _, rule := range d.PidRulesFor(pid) {
		rule.ResponseLength = len(body)
		s, err := decode.DecodeOBD(rule, body, time.Now().UnixMilli())
		if err != nil {
			if t.counters != nil {
				t.counters.Incr(fault.KindSchemaInvalid)
			}
			continue
		}
		t.buf.PushSample(s)
	}
}

// RequestSignal services a Fetch Matrix directive targeting an
// OBD-sourced signal: the signal's PID is requested immediately from
// its assigned ECU, outside the regular polling cadence. Signals not
// decodable from a PID under the current dictionary are ignored.
func (t *Transactor) RequestSignal(ctx context.Context, signalID decode.SignalID) error {
	d := t.dict.Load()
	pid, ok := d.PIDForSignal(signalID)
	if !ok {
		return nil
	}

	t.mu.Lock()
	ecus := append([]ECU(nil), t.ecus...)
	sessions := make(map[uint32]*isotp.Session, len(t.sessions))
	for k, v := range t.sessions {
		sessions[k] = v
	}
	t.mu.Unlock()

	byECU := t.assignment.Partition([]uint16{pid}, ecus)
	for rxID, pids := range byECU {
		sess := sessions[rxID]
		if sess == nil {
			continue
		}
		for _, p := range pids {
			body, err := RequestPID(ctx, sess, p)
			if err != nil {
				if t.counters != nil {
					t.counters.Incr(fault.KindBusTransient)
				}
				return fault.New(fault.KindBusTransient, err)
			}
			t.decodeAndEmit(d, p, body)
		}
	}
	return nil
}

func (t *Transactor) pollDTCs(ctx context.Context) {
	t.mu.Lock()
	sessions := make(map[uint32]*isotp.Session, len(t.sessions))
	for k, v := range t.sessions {
		sessions[k] = v
	}
	t.mu.Unlock()

	for rxID, sess := range sessions {
		codes, err := RequestDTCs(ctx, sess)
		if err != nil {
			if t.counters != nil {
				t.counters.Incr(fault.KindBusTransient)
			}
			continue
		}
		t.buf.PushDTC(sample.DTC{ECU: ecuLabel(rxID), Codes: codes, TimestampMs: time.Now().UnixMilli()})
	}
}

// flushOtherSessions drains responses queued on every session other
// than excludeRxID, preventing a stale response from a different ECU's
// broadcast reply from being misread as the next request's answer. All
// sessions share one budget: the first session waits out the deadline
// collecting in-flight replies, the rest get a non-blocking sweep.
func (t *Transactor) flushOtherSessions(excludeRxID uint32, budget time.Duration) {
	deadline := time.Now().Add(budget)
	t.mu.Lock()
	sessions := make(map[uint32]*isotp.Session, len(t.sessions))
	for k, v := range t.sessions {
		sessions[k] = v
	}
	t.mu.Unlock()

	for rxID, sess := range sessions {
		if rxID == excludeRxID {
			continue
		}
		if n := sess.Flush(deadline); n > 0 {
			t.logger.Debug("obd: drained broadcast replies", "ecu", ecuLabel(rxID), "frames", n)
		}
	}
}

func ecuLabel(rxID uint32) string {
	return "0x" + uintToHex(rxID)
}

func uintToHex(v uint32) string {
	const hexDigits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}
