// Package decode implements the bit-exact CAN signal extraction and the
// PID-packed OBD-II extraction described by a Decoder Dictionary rule.
// It has no knowledge of schemes, schedules, or dictionaries; callers
// look up the applicable rule set and call Decode* per frame or
// response.
package decode

import (
	"fmt"
	"math"

	"github.com/vectaiot/edgeagent/fault"
)

// SignalID is the cloud-assigned identifier for a decoded signal.
type SignalID uint32

// PartialSignalIDBase is the high-bit boundary reserved for internal
// partial-signal IDs synthesized by the policy manager for sub-paths of
// complex structured signals. IDs at or above this value are never
// cloud-assigned.
const PartialSignalIDBase SignalID = 1 << 31

// TypeTag enumerates the primitive value types a Sample may carry.
type TypeTag uint8

const (
	TypeBool TypeTag = iota
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeRawHandle
)

func (t TypeTag) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeRawHandle:
		return "raw-handle"
	default:
		return "unknown"
	}
}

func (t TypeTag) isInteger() bool {
	switch t {
	case TypeU8, TypeU16, TypeU32, TypeU64, TypeI8, TypeI16, TypeI32, TypeI64, TypeBool:
		return true
	default:
		return false
	}
}

func (t TypeTag) signed() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return true
	default:
		return false
	}
}

// Value is a typed decoded value. Exactly one of the numeric fields is
// meaningful for a given Tag; Raw holds TypeRawHandle payloads.
type Value struct {
	Tag   TypeTag
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
	Raw   []byte
}

// Float64 returns the value coerced to float64 for numeric comparison
// and aggregation, regardless of its declared integer/float tag.
func (v Value) Float64() float64 {
	switch {
	case v.Tag == TypeBool:
		if v.Bool {
			return 1
		}
		return 0
	case v.Tag.isInteger() && v.Tag.signed():
		return float64(v.Int)
	case v.Tag.isInteger():
		return float64(v.Uint)
	case v.Tag == TypeF32 || v.Tag == TypeF64:
		return v.Float
	default:
		return 0
	}
}

// fromScaled builds a Value of the requested tag from a scaled
// floating-point result (raw*scale+offset), the shared last step of
// both CAN and OBD decoding.
func fromScaled(tag TypeTag, scaled float64) Value {
	switch tag {
	case TypeBool:
		return Value{Tag: tag, Bool: scaled != 0}
	case TypeF32:
		return Value{Tag: tag, Float: float64(float32(scaled))}
	case TypeF64:
		return Value{Tag: tag, Float: scaled}
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return Value{Tag: tag, Int: int64(math.Round(scaled))}
	default:
		return Value{Tag: tag, Uint: uint64(math.Round(scaled))}
	}
}

// Sample is a single decoded observation ready for the Signal Buffer.
type Sample struct {
	SignalID    SignalID
	TimestampMs int64
	Value       Value
}

// Endianness selects bit numbering within a CAN payload.
type Endianness uint8

const (
	BigEndian    Endianness = iota // Motorola: start_bit addresses the MSB, bits number MSB-first.
	LittleEndian                   // Intel: start_bit addresses the LSB, bits number LSB-first.
)

// RawType selects how extracted bits are reinterpreted before
// scale/offset is applied.
type RawType uint8

const (
	RawInteger  RawType = iota // sign-extend per Signed, then widen to float64
	RawFloatBits               // reinterpret the extracted bits as an IEEE-754 float
)

// CanRule decodes one signal from a fixed-layout CAN frame payload.
type CanRule struct {
	InterfaceID        string
	InterfaceNumericID uint32
	FrameID            uint32
	StartBit    uint16
	BitLength   uint8
	Endianness  Endianness
	Signed      bool
	Scale       float64
	Offset      float64
	RawType     RawType
	SignalID    SignalID
	ValueType   TypeTag
}

// Validate checks a CanRule's structural invariants independent of any
// particular frame.
func (r CanRule) Validate(frameByteLength int) error {
	if r.BitLength < 1 || r.BitLength > 64 {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: bit_length %d out of range [1,64]", r.BitLength))
	}
	if int(r.StartBit)+int(r.BitLength) > frameByteLength*8 {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: start_bit+bit_length exceeds frame length %d bytes", frameByteLength))
	}
	if r.RawType == RawFloatBits && r.BitLength != 32 && r.BitLength != 64 {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: raw float bit_length must be 32 or 64, got %d", r.BitLength))
	}
	return nil
}

// PidRule decodes one signal out of an OBD-II PID response.
type PidRule struct {
	ServiceMode    uint8
	PID            uint16
	ResponseLength int
	StartByte      int
	ByteLength     int
	BitRightShift  uint8
	BitMaskLength  uint8
	Scale          float64
	Offset         float64
	Signed         bool
	SignalID       SignalID
	ValueType      TypeTag
}

// Validate checks the structural invariants of a PidRule independent
// of any particular response.
func (r PidRule) Validate() error {
	if r.ByteLength < 1 {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: byte_length must be >= 1"))
	}
	if r.ByteLength != 1 && (r.BitRightShift != 0 || r.BitMaskLength != 0) {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: bit masking only applies when byte_length == 1"))
	}
	if r.BitMaskLength > 8 {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: bit_mask_length %d exceeds byte width", r.BitMaskLength))
	}
	if r.StartByte+r.ByteLength > r.ResponseLength {
		return fault.New(fault.KindSchemaInvalid, fmt.Errorf("decode: start_byte+byte_length exceeds response_length %d", r.ResponseLength))
	}
	return nil
}

// CustomRule associates an opaque, interface-specific decoder with a
// signal ID; the repository has no built-in custom decoders, so this
// is plumbing only — the dictionary keys by (interface_id, decoder_name)
// and consumers outside this package supply the decode function.
type CustomRule struct {
	InterfaceID string
	DecoderName string
	SignalID    SignalID
	ValueType   TypeTag
}
