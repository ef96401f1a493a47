package harp

import "fmt"

// PayloadType describes the element type of a message payload and whether the
// frame carries a timestamp.
//
//	bit 7   signed
//	bit 6   float
//	bit 4   has timestamp
//	bit 3:0 element width in bytes
type PayloadType byte

const (
	payloadTimestampBit PayloadType = 1 << 4
	payloadFloatBit     PayloadType = 1 << 6
	payloadSignedBit    PayloadType = 1 << 7
	payloadWidthMask    PayloadType = 0x0F
)

// ElementType is the decoded (signed, float, width) triple of a PayloadType.
type ElementType uint8

const (
	ElementInvalid ElementType = iota
	ElementU8
	ElementU16
	ElementU32
	ElementU64
	ElementS8
	ElementS16
	ElementS32
	ElementS64
	ElementFloat16
	ElementFloat32
	ElementFloat64
)

var elementNames = map[ElementType]string{
	ElementInvalid: "Invalid",
	ElementU8:      "U8",
	ElementU16:     "U16",
	ElementU32:     "U32",
	ElementU64:     "U64",
	ElementS8:      "S8",
	ElementS16:     "S16",
	ElementS32:     "S32",
	ElementS64:     "S64",
	ElementFloat16: "Float16",
	ElementFloat32: "Float32",
	ElementFloat64: "Float64",
}

func (e ElementType) String() string {
	if name, ok := elementNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ElementType(%d)", uint8(e))
}

// Size returns the element width in bytes, or 0 for ElementInvalid.
func (e ElementType) Size() int {
	switch e {
	case ElementU8, ElementS8:
		return 1
	case ElementU16, ElementS16, ElementFloat16:
		return 2
	case ElementU32, ElementS32, ElementFloat32:
		return 4
	case ElementU64, ElementS64, ElementFloat64:
		return 8
	}
	return 0
}

// PayloadTypeOf builds the payload type byte for an element type.
func PayloadTypeOf(e ElementType, hasTimestamp bool) (PayloadType, error) {
	var p PayloadType
	switch e {
	case ElementU8, ElementU16, ElementU32, ElementU64:
	case ElementS8, ElementS16, ElementS32, ElementS64:
		p |= payloadSignedBit
	case ElementFloat16, ElementFloat32, ElementFloat64:
		p |= payloadFloatBit
	default:
		return 0, fmt.Errorf("harp: no payload type for %v", e)
	}
	p |= PayloadType(e.Size()) & payloadWidthMask
	if hasTimestamp {
		p |= payloadTimestampBit
	}
	return p, nil
}

// MustPayloadType is PayloadTypeOf without a timestamp for statically known
// element types.
func MustPayloadType(e ElementType) PayloadType {
	p, err := PayloadTypeOf(e, false)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PayloadType) HasTimestamp() bool { return p&payloadTimestampBit != 0 }
func (p PayloadType) IsSigned() bool     { return p&payloadSignedBit != 0 }
func (p PayloadType) IsFloat() bool      { return p&payloadFloatBit != 0 }

// Bits returns the element width in bits as encoded, valid or not.
func (p PayloadType) Bits() int { return int(p&payloadWidthMask) * 8 }

// ElementType decodes the element type. Unsupported combinations map to
// ElementInvalid.
func (p PayloadType) ElementType() ElementType {
	signed, float := p.IsSigned(), p.IsFloat()
	if signed && float {
		return ElementInvalid
	}

	switch bits := p.Bits(); {
	case float:
		switch bits {
		case 16:
			return ElementFloat16
		case 32:
			return ElementFloat32
		case 64:
			return ElementFloat64
		}
	case signed:
		switch bits {
		case 8:
			return ElementS8
		case 16:
			return ElementS16
		case 32:
			return ElementS32
		case 64:
			return ElementS64
		}
	default:
		switch bits {
		case 8:
			return ElementU8
		case 16:
			return ElementU16
		case 32:
			return ElementU32
		case 64:
			return ElementU64
		}
	}
	return ElementInvalid
}

// Valid reports whether the payload type maps to a supported element type.
func (p PayloadType) Valid() bool { return p.ElementType() != ElementInvalid }

func (p PayloadType) String() string {
	e := p.ElementType()
	if e == ElementInvalid {
		return fmt.Sprintf("<invalid 0x%02X>", byte(p))
	}
	if p.HasTimestamp() {
		return "Timestamped" + e.String()
	}
	return e.String()
}
