package obd

import (
	"context"
	"errors"
	"fmt"

	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/isotp"
)

const (
	serviceCurrentData = 0x01
	serviceStoredDTCs  = 0x03
	positiveOffset     = 0x40
)

// RequestSupportedPIDs queries an ECU's PID 0x00 bitmap (PIDs
// 0x01..0x20), the first step of the PID acquisition loop.
func RequestSupportedPIDs(ctx context.Context, session *isotp.Session) (map[uint16]bool, error) {
	resp, err := session.Request(ctx, []byte{serviceCurrentData, 0x00})
	if err != nil {
		return nil, err
	}
	if len(resp) < 6 || resp[0] != serviceCurrentData+positiveOffset || resp[1] != 0x00 {
		return nil, fault.New(fault.KindSchemaInvalid, errors.New("obd: malformed supported-pid response"))
	}
	bitmap := resp[2:6]
	supported := make(map[uint16]bool, 32)
	for i := 0; i < 32; i++ {
		if bitmap[i/8]>>(7-i%8)&1 == 1 {
			supported[uint16(i+1)] = true
		}
	}
	return supported, nil
}

// RequestPID requests the current value of one PID and returns the
// response body (bytes after the mode/pid echo).
func RequestPID(ctx context.Context, session *isotp.Session, pid uint16) ([]byte, error) {
	resp, err := session.Request(ctx, []byte{serviceCurrentData, byte(pid)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[0] != serviceCurrentData+positiveOffset || uint16(resp[1]) != pid {
		return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("obd: malformed response for pid 0x%02X", pid))
	}
	return resp[2:], nil
}

// RequestDTCs requests stored DTCs from an ECU, returning an empty
// (non-nil) slice when the ECU reports none, so callers still emit a
// DTC report that scheme conditions can observe.
func RequestDTCs(ctx context.Context, session *isotp.Session) ([]string, error) {
	resp, err := session.Request(ctx, []byte{serviceStoredDTCs})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != serviceStoredDTCs+positiveOffset {
		return nil, fault.New(fault.KindSchemaInvalid, errors.New("obd: malformed DTC response"))
	}
	body := resp[1:]
	codes := make([]string, 0, len(body)/2)
	for i := 0; i+1 < len(body); i += 2 {
		codes = append(codes, decodeDTCCode(body[i], body[i+1]))
	}
	return codes, nil
}

func decodeDTCCode(b0, b1 byte) string {
	letters := [4]byte{'P', 'C', 'B', 'U'}
	letter := letters[(b0>>6)&0x3]
	digit1 := (b0 >> 4) & 0x3
	digit2 := b0 & 0x0F
	return fmt.Sprintf("%c%d%X%02X", letter, digit1, digit2, b1)
}
