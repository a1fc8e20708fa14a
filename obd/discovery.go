package obd

import (
	"context"
	"time"

	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/fault"
)

// Discover broadcasts a Service-01/PID-00 request with 11-bit
// addressing first, falling back to 29-bit if nothing answers within
// window.
func Discover(ctx context.Context, bus canbus.Bus, window time.Duration) ([]ECU, error) {
	ecus, err := discoverAddressing(ctx, bus, window, false)
	if err != nil {
		return nil, err
	}
	if len(ecus) > 0 {
		return ecus, nil
	}
	return discoverAddressing(ctx, bus, window, true)
}

func discoverAddressing(ctx context.Context, bus canbus.Bus, window time.Duration, extended bool) ([]ECU, error) {
	id := uint32(broadcastID11)
	if extended {
		id = broadcastID29
	}
	req := singleFrameRequest(id, extended, []byte{0x01, 0x00})
	if err := bus.Send(ctx, req); err != nil {
		return nil, fault.New(fault.KindBusTransient, err)
	}

	windowCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	seen := map[uint32]bool{}
	var ecus []ECU
	for {
		f, err := bus.Receive(windowCtx)
		if err != nil {
			if windowCtx.Err() != nil {
				return ecus, nil
			}
			return ecus, fault.New(fault.KindBusTransient, err)
		}
		if !inDiscoveryRange(f.ID, extended) || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		ecus = append(ecus, ECU{
			RxID:          f.ID,
			TxID:          txIDFor(f.ID, extended),
			Extended:      extended,
			SupportedPIDs: map[uint16]bool{},
		})
	}
}

// singleFrameRequest builds an ISO-TP single-frame CAN frame carrying
// payload (service mode plus optional PID).
func singleFrameRequest(id uint32, extended bool, payload []byte) canbus.Frame {
	var f canbus.Frame
	f.ID = id
	f.Extended = extended
	f.Len = 8
	f.Data[0] = byte(len(payload))
	copy(f.Data[1:], payload)
	return f
}
