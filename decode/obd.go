package decode

import (
	"fmt"

	"github.com/vectaiot/edgeagent/fault"
)

// DecodeOBD extracts the signal described by rule from an OBD-II PID
// response body (the bytes following the mode/PID echo), applying
// scale and offset to produce a Sample tagged with rule.ValueType.
func DecodeOBD(rule PidRule, body []byte, timestampMs int64) (Sample, error) {
	if err := rule.Validate(); err != nil {
		return Sample{}, err
	}
	if len(body) < rule.ResponseLength {
		return Sample{}, fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: response length %d shorter than declared %d", len(body), rule.ResponseLength))
	}

	window := body[rule.StartByte : rule.StartByte+rule.ByteLength]

	var raw uint64
	if rule.ByteLength == 1 {
		raw = uint64(window[0]>>rule.BitRightShift) & ((uint64(1) << rule.BitMaskLength) - 1)
		if rule.BitMaskLength == 0 {
			raw = uint64(window[0] >> rule.BitRightShift)
		}
	} else {
		for _, b := range window {
			raw = raw<<8 | uint64(b)
		}
	}

	var scaled float64
	if rule.Signed {
		scaled = float64(signExtend(raw, rule.ByteLength*8))*rule.Scale + rule.Offset
	} else {
		scaled = float64(raw)*rule.Scale + rule.Offset
	}

	return Sample{
		SignalID:    rule.SignalID,
		TimestampMs: timestampMs,
		Value:       fromScaled(rule.ValueType, scaled),
	}, nil
}
