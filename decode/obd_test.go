package decode

import "testing"

func TestDecodeOBD_SingleByteMasked(t *testing.T) {
	rule := PidRule{
		ServiceMode:    1,
		PID:            0x0C,
		ResponseLength: 2,
		StartByte:      0,
		ByteLength:     1,
		BitRightShift:  4,
		BitMaskLength:  4,
		Scale:          1,
		SignalID:       7,
		ValueType:      TypeU8,
	}
	// 0xF5 >> 4 = 0x0F, masked to 4 bits = 0x0F
	body := []byte{0xF5, 0x00}

	s, err := DecodeOBD(rule, body, 500)
	if err != nil {
		t.Fatalf("DecodeOBD: %v", err)
	}
	if s.Value.Uint != 0x0F {
		t.Fatalf("expected 0x0F, got %#x", s.Value.Uint)
	}
}

func TestDecodeOBD_SingleByteScaleOffset(t *testing.T) {
	// Coolant temp style PID: single byte, scale 1, offset -40.
	rule := PidRule{
		ResponseLength: 1,
		StartByte:      0,
		ByteLength:     1,
		Scale:          1,
		Offset:         -40,
		ValueType:      TypeI16,
	}
	body := []byte{0x5A}

	s, err := DecodeOBD(rule, body, 0)
	if err != nil {
		t.Fatalf("DecodeOBD: %v", err)
	}
	if s.Value.Int != int64(0x5A)-40 {
		t.Fatalf("unexpected value %d", s.Value.Int)
	}
}

func TestDecodeOBD_TwoByteBigEndian(t *testing.T) {
	rule := PidRule{
		ResponseLength: 2,
		StartByte:      0,
		ByteLength:     2,
		Scale:          0.25,
		ValueType:      TypeF64,
	}
	body := []byte{0x01, 0x00} // 256 * 0.25 = 64

	s, err := DecodeOBD(rule, body, 0)
	if err != nil {
		t.Fatalf("DecodeOBD: %v", err)
	}
	if s.Value.Float != 64 {
		t.Fatalf("expected 64, got %v", s.Value.Float)
	}
}

func TestDecodeOBD_ResponseTooShort(t *testing.T) {
	rule := PidRule{ResponseLength: 4, ByteLength: 1, StartByte: 0}
	if _, err := DecodeOBD(rule, []byte{0x01}, 0); err == nil {
		t.Fatal("expected error for short response")
	}
}

func TestPidRule_ValidateRejectsMaskingWithMultiByte(t *testing.T) {
	rule := PidRule{ByteLength: 2, BitRightShift: 1, ResponseLength: 2}
	if err := rule.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
