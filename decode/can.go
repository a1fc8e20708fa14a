package decode

// DecodeCAN extracts the signal described by rule from a CAN frame
// payload, applying scale and offset to produce a Sample tagged with
// rule.ValueType. payload must already be validated against rule via
// Validate; DecodeCAN re-checks bounds defensively.
func DecodeCAN(rule CanRule, payload []byte, timestampMs int64) (Sample, error) {
	if err := rule.Validate(len(payload)); err != nil {
		return Sample{}, err
	}

	raw := extractBits(payload, int(rule.StartBit), int(rule.BitLength), rule.Endianness)

	var scaled float64
	switch rule.RawType {
	case RawFloatBits:
		if rule.BitLength == 32 {
			scaled = float32FromBits(raw)*rule.Scale + rule.Offset
		} else {
			scaled = float64FromBits(raw)*rule.Scale + rule.Offset
		}
	default:
		if rule.Signed {
			scaled = float64(signExtend(raw, int(rule.BitLength)))*rule.Scale + rule.Offset
		} else {
			scaled = float64(raw)*rule.Scale + rule.Offset
		}
	}

	return Sample{
		SignalID:    rule.SignalID,
		TimestampMs: timestampMs,
		Value:       fromScaled(rule.ValueType, scaled),
	}, nil
}

// EncodeCAN writes the rule's signal value back into a payload of the
// given length, the inverse of DecodeCAN used to assert the round-trip
// property: decoding then re-encoding a frame under the same rule
// reproduces the original bytes within the rule's precision.
func EncodeCAN(rule CanRule, value float64, payload []byte) error {
	if err := rule.Validate(len(payload)); err != nil {
		return err
	}
	raw := (value - rule.Offset) / rule.Scale
	var bits uint64
	switch rule.RawType {
	case RawFloatBits:
		if rule.BitLength == 32 {
			bits = bitsFromFloat32(raw)
		} else {
			bits = bitsFromFloat64(raw)
		}
	default:
		bits = uint64(int64(raw)) & (mask64(int(rule.BitLength)))
	}
	packBits(payload, int(rule.StartBit), int(rule.BitLength), rule.Endianness, bits)
	return nil
}

func mask64(bitLength int) uint64 {
	if bitLength >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLength) - 1
}
