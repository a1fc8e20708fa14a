package obd

import (
	"context"
	"testing"
	"time"

	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/sample"
)

// fakeECU answers Service-01 discovery, supported-PID, and single-frame
// PID requests for one rx/tx pair on a LoopbackBus.
type fakeECU struct {
	bus           canbus.Bus
	rxID, txID    uint32
	extended      bool
	supportedBits uint32 // bit 31-i set => PID i+1 supported (MSB is PID 0x01)
	pidValues     map[uint16]byte
	dtcs          []string
}

func (e *fakeECU) run(ctx context.Context) {
	for {
		f, err := e.bus.Receive(ctx)
		if err != nil {
			return
		}
		if f.Extended != e.extended {
			continue
		}
		if f.ID != e.txID && f.ID != broadcastID() {
			continue
		}
		n := int(f.Data[0])
		if n < 1 || n > 7 {
			continue
		}
		req := f.Data[1 : 1+n]
		switch req[0] {
		case serviceCurrentData:
			if len(req) >= 2 && req[1] == 0x00 {
				e.reply(ctx, []byte{serviceCurrentData + positiveOffset, 0x00,
					byte(e.supportedBits >> 24), byte(e.supportedBits >> 16),
					byte(e.supportedBits >> 8), byte(e.supportedBits)})
				continue
			}
			if len(req) >= 2 {
				pid := uint16(req[1])
				v, ok := e.pidValues[pid]
				if !ok {
					continue
				}
				e.reply(ctx, []byte{serviceCurrentData + positiveOffset, byte(pid), v})
			}
		case serviceStoredDTCs:
			body := []byte{serviceStoredDTCs + positiveOffset}
			for _, code := range e.dtcs {
				body = append(body, encodeDTCForTest(code)...)
			}
			e.reply(ctx, body)
		}
	}
}

func broadcastID() uint32 { return broadcastID11 }

func (e *fakeECU) reply(ctx context.Context, payload []byte) {
	var f canbus.Frame
	f.ID = e.rxID
	f.Extended = e.extended
	f.Len = 8
	f.Data[0] = byte(len(payload))
	copy(f.Data[1:], payload)
	_ = e.bus.Send(ctx, f)
}

func encodeDTCForTest(code string) []byte {
	letters := map[byte]byte{'P': 0, 'C': 1, 'B': 2, 'U': 3}
	b0 := letters[code[0]] << 6
	b0 |= (code[1] - '0') << 4
	var digit2 byte
	if code[2] >= 'A' {
		digit2 = code[2] - 'A' + 10
	} else {
		digit2 = code[2] - '0'
	}
	b0 |= digit2
	var b1 byte
	for _, c := range code[3:] {
		b1 <<= 4
		if c >= 'A' {
			b1 |= byte(c-'A') + 10
		} else {
			b1 |= byte(c - '0')
		}
	}
	return []byte{b0, b1}
}

func TestDiscoverFindsResponders(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()

	ecu1 := &fakeECU{bus: bus.Open(), rxID: 0x7E8, txID: 0x7E0, supportedBits: 0x80000000}
	ecu2 := &fakeECU{bus: bus.Open(), rxID: 0x7E9, txID: 0x7E1, supportedBits: 0x40000000}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ecu1.run(ctx)
	go ecu2.run(ctx)

	ecus, err := Discover(context.Background(), bus.Open(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(ecus) != 2 {
		t.Fatalf("expected 2 ECUs, got %d", len(ecus))
	}
}

func TestDecodeDTCCode(t *testing.T) {
	got := decodeDTCCode(0x01, 0x01)
	if got != "P0101" {
		t.Fatalf("decodeDTCCode = %q, want P0101", got)
	}
}

func TestPIDAssignmentSticky(t *testing.T) {
	a := NewPIDAssignment()
	ecus := []ECU{
		{RxID: 1, SupportedPIDs: map[uint16]bool{0x0C: true}},
		{RxID: 2, SupportedPIDs: map[uint16]bool{0x0C: true, 0x11: true}},
	}
	first := a.Partition([]uint16{0x0C, 0x11}, ecus)
	if len(first[1]) != 1 || first[1][0] != 0x0C {
		t.Fatalf("expected pid 0x0C assigned to ECU 1, got %v", first)
	}

	// Reorder ECUs; 0x0C must stay pinned to ECU 1 despite ECU 2 also
	// supporting it.
	reordered := []ECU{ecus[1], ecus[0]}
	second := a.Partition([]uint16{0x0C, 0x11}, reordered)
	if len(second[1]) != 1 || second[1][0] != 0x0C {
		t.Fatalf("pid 0x0C was reassigned: %v", second)
	}
}

// A broadcast-answered request leaves other ECUs' replies queued on
// their sessions; the flush must drain them so the next request to
// those ECUs reads its own response, not a stale one.
func TestFlushOtherSessionsDrainsCrossECUReplies(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()

	ecu1 := &fakeECU{
		bus:           bus.Open(),
		rxID:          0x7E8,
		txID:          0x7E0,
		supportedBits: 1 << 31,
		pidValues:     map[uint16]byte{0x01: 0x11},
	}
	ecu2 := &fakeECU{
		bus:           bus.Open(),
		rxID:          0x7E9,
		txID:          0x7E1,
		supportedBits: 1 << 19, // PID 0x0D
		pidValues:     map[uint16]byte{0x0D: 0x22},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ecu1.run(ctx)
	go ecu2.run(ctx)

	buf := sample.NewBuffer(16)
	tx := NewTransactor(bus.Open(), Config{DiscoveryWindow: 50 * time.Millisecond, Broadcast: true}, buf, nil, &fault.Counters{})
	if err := tx.discoverAndOpen(context.Background()); err != nil {
		t.Fatalf("discoverAndOpen: %v", err)
	}
	if len(tx.ECUs()) != 2 {
		t.Fatalf("expected 2 ECUs discovered, got %d", len(tx.ECUs()))
	}

	// Simulate ECU 2 answering a broadcast request aimed at ECU 1: a
	// stale single-frame PID 0x0C response lands on session 0x7E9.
	injector := bus.Open()
	var stale canbus.Frame
	stale.ID = 0x7E9
	stale.Len = 8
	stale.Data[0] = 3
	stale.Data[1] = serviceCurrentData + positiveOffset
	stale.Data[2] = 0x0C
	stale.Data[3] = 0xFF
	if err := injector.Send(context.Background(), stale); err != nil {
		t.Fatalf("inject stale reply: %v", err)
	}

	tx.flushOtherSessions(0x7E8, 100*time.Millisecond)

	// With the stale reply drained, ECU 2's session reads its own
	// response to the next request rather than the 0x0C leftover.
	body, err := RequestPID(context.Background(), tx.sessions[0x7E9], 0x0D)
	if err != nil {
		t.Fatalf("RequestPID after flush: %v", err)
	}
	if len(body) != 1 || body[0] != 0x22 {
		t.Fatalf("RequestPID body = %v, want [0x22]", body)
	}
}

func TestTransactorDiscoversAndRequestsDTCs(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()

	ecu := &fakeECU{
		bus:           bus.Open(),
		rxID:          0x7E8,
		txID:          0x7E0,
		supportedBits: 1 << 31, // PID 0x01
		pidValues:     map[uint16]byte{0x01: 0x55},
		dtcs:          []string{"P0101"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ecu.run(ctx)

	buf := sample.NewBuffer(16)
	tx := NewTransactor(bus.Open(), Config{DiscoveryWindow: 50 * time.Millisecond}, buf, nil, &fault.Counters{})

	d := &dictionary.Dictionary{}
	tx.SetDictionary(d)

	if err := tx.discoverAndOpen(context.Background()); err != nil {
		t.Fatalf("discoverAndOpen: %v", err)
	}
	if len(tx.ECUs()) != 1 {
		t.Fatalf("expected 1 ECU discovered, got %d", len(tx.ECUs()))
	}

	codes, err := RequestDTCs(context.Background(), tx.sessions[0x7E8])
	if err != nil {
		t.Fatalf("RequestDTCs: %v", err)
	}
	if len(codes) != 1 || codes[0] != "P0101" {
		t.Fatalf("RequestDTCs = %v, want [P0101]", codes)
	}
}
