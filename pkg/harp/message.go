package harp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// MessageType identifies the kind of a Harp frame.
type MessageType byte

const (
	MessageRead       MessageType = 1
	MessageWrite      MessageType = 2
	MessageEvent      MessageType = 3
	MessageReadError  MessageType = 9
	MessageWriteError MessageType = 10
)

// Valid reports whether t is one of the five known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRead, MessageWrite, MessageEvent, MessageReadError, MessageWriteError:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MessageRead:
		return "Read"
	case MessageWrite:
		return "Write"
	case MessageEvent:
		return "Event"
	case MessageReadError:
		return "ReadError"
	case MessageWriteError:
		return "WriteError"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// Timestamp is the device clock attached to a frame: whole seconds plus ticks
// of 32 microseconds.
type Timestamp struct {
	Seconds uint32
	Ticks   uint16
}

// InvalidTimestamp marks frames that did not carry a timestamp.
var InvalidTimestamp = Timestamp{Seconds: math.MaxUint32, Ticks: math.MaxUint16}

// Valid reports whether the timestamp is not the invalid sentinel.
func (ts Timestamp) Valid() bool { return ts != InvalidTimestamp }

// Float returns the timestamp in seconds.
func (ts Timestamp) Float() float64 {
	return float64(ts.Seconds) + float64(ts.Ticks)*32e-6
}

func (ts Timestamp) String() string { return fmt.Sprintf("%gs", ts.Float()) }

// ErrPayloadType is returned by typed payload accessors when the message
// element type does not match the one requested.
var ErrPayloadType = errors.New("harp: payload type mismatch")

// Message is a parsed Harp frame. Messages are values derived from input bytes
// and are never modified after parsing.
type Message struct {
	Type               MessageType
	Address            byte
	Port               byte
	PayloadType        PayloadType
	Timestamp          Timestamp
	Payload            []byte
	Checksum           byte
	CalculatedChecksum byte

	// malformed is set when the declared length cannot hold the frame header.
	malformed bool
}

// Valid reports whether the frame has a known type, a supported payload type
// and a matching checksum.
func (m *Message) Valid() bool {
	return !m.malformed &&
		m.Type.Valid() &&
		m.PayloadType.Valid() &&
		m.Checksum == m.CalculatedChecksum
}

// Len returns the number of elements in the payload.
func (m *Message) Len() int {
	size := m.PayloadType.ElementType().Size()
	if size == 0 {
		return 0
	}
	return len(m.Payload) / size
}

func (m *Message) expect(e ElementType) error {
	if got := m.PayloadType.ElementType(); got != e {
		return fmt.Errorf("%w: want %v, got %v", ErrPayloadType, e, m.PayloadType)
	}
	return nil
}

func (m *Message) Uint8s() ([]uint8, error) {
	if err := m.expect(ElementU8); err != nil {
		return nil, err
	}
	return append([]uint8(nil), m.Payload...), nil
}

func (m *Message) Int8s() ([]int8, error) {
	if err := m.expect(ElementS8); err != nil {
		return nil, err
	}
	out := make([]int8, len(m.Payload))
	for i, b := range m.Payload {
		out[i] = int8(b)
	}
	return out, nil
}

func (m *Message) Uint16s() ([]uint16, error) {
	if err := m.expect(ElementU16); err != nil {
		return nil, err
	}
	return decode16(m.Payload), nil
}

func (m *Message) Int16s() ([]int16, error) {
	if err := m.expect(ElementS16); err != nil {
		return nil, err
	}
	raw := decode16(m.Payload)
	out := make([]int16, len(raw))
	for i, v := range raw {
		out[i] = int16(v)
	}
	return out, nil
}

func (m *Message) Uint32s() ([]uint32, error) {
	if err := m.expect(ElementU32); err != nil {
		return nil, err
	}
	return decode32(m.Payload), nil
}

func (m *Message) Int32s() ([]int32, error) {
	if err := m.expect(ElementS32); err != nil {
		return nil, err
	}
	raw := decode32(m.Payload)
	out := make([]int32, len(raw))
	for i, v := range raw {
		out[i] = int32(v)
	}
	return out, nil
}

func (m *Message) Uint64s() ([]uint64, error) {
	if err := m.expect(ElementU64); err != nil {
		return nil, err
	}
	return decode64(m.Payload), nil
}

func (m *Message) Int64s() ([]int64, error) {
	if err := m.expect(ElementS64); err != nil {
		return nil, err
	}
	raw := decode64(m.Payload)
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out, nil
}

// Float16s widens half precision elements to float32.
func (m *Message) Float16s() ([]float32, error) {
	if err := m.expect(ElementFloat16); err != nil {
		return nil, err
	}
	raw := decode16(m.Payload)
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float16.Frombits(v).Float32()
	}
	return out, nil
}

func (m *Message) Float32s() ([]float32, error) {
	if err := m.expect(ElementFloat32); err != nil {
		return nil, err
	}
	raw := decode32(m.Payload)
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = math.Float32frombits(v)
	}
	return out, nil
}

func (m *Message) Float64s() ([]float64, error) {
	if err := m.expect(ElementFloat64); err != nil {
		return nil, err
	}
	raw := decode64(m.Payload)
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = math.Float64frombits(v)
	}
	return out, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%v address=%d port=%d type=%v payload=%d bytes valid=%t",
		m.Type, m.Address, m.Port, m.PayloadType, len(m.Payload), m.Valid())
}

func decode16(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

func decode32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func decode64(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

// Encode builds a host-originated frame. The port is always 0xFF and no
// timestamp is sent.
func Encode(t MessageType, address byte, pt PayloadType, payload []byte) ([]byte, error) {
	if pt.HasTimestamp() {
		return nil, fmt.Errorf("harp: host frames cannot carry a timestamp")
	}
	if size := pt.ElementType().Size(); size == 0 {
		return nil, fmt.Errorf("harp: invalid payload type %v", pt)
	} else if len(payload)%size != 0 {
		return nil, fmt.Errorf("harp: payload of %d bytes is not a multiple of %v", len(payload), pt.ElementType())
	}

	// address, port, payload type, payload, checksum
	length := 3 + len(payload) + 1
	if length > math.MaxUint16 {
		return nil, fmt.Errorf("harp: payload of %d bytes is too large", len(payload))
	}

	frame := make([]byte, 0, length+4)
	frame = append(frame, byte(t))
	if length < 255 {
		frame = append(frame, byte(length))
	} else {
		frame = append(frame, 255)
		frame = binary.LittleEndian.AppendUint16(frame, uint16(length))
	}
	frame = append(frame, address, 0xFF, byte(pt))
	frame = append(frame, payload...)

	var sum byte
	for _, b := range frame {
		sum += b
	}
	return append(frame, sum), nil
}
