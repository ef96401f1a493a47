package harp

import "encoding/binary"

// ParserState is the position of a Parser within a frame.
type ParserState int

const (
	NeedMessageType ParserState = iota
	NeedLength
	NeedAddress
	NeedPort
	NeedPayloadType
	NeedTimestamp
	NeedPayload
	NeedChecksum
	Done
)

var parserStateNames = [...]string{
	"NeedMessageType", "NeedLength", "NeedAddress", "NeedPort", "NeedPayloadType",
	"NeedTimestamp", "NeedPayload", "NeedChecksum", "Done",
}

func (s ParserState) String() string {
	if s >= 0 && int(s) < len(parserStateNames) {
		return parserStateNames[s]
	}
	return "ParserState(?)"
}

// Parser is a resumable frame decoder. Input may be split at any byte
// boundary across calls to Consume; the zero value is ready to use.
type Parser struct {
	state ParserState
	msg   Message

	// bytes left in the frame after the length field
	remaining int

	lenBuf  [3]byte
	lenHave int

	tsBuf  [6]byte
	tsHave int

	payloadHave int
}

// State returns the current parser state.
func (p *Parser) State() ParserState { return p.state }

// Reset discards any partially decoded frame.
func (p *Parser) Reset() { *p = Parser{} }

// Consume feeds buf into the parser and returns the completed message, if any,
// along with the number of bytes of buf that were used. At most one message is
// produced per call; bytes after the end of that message are left unconsumed.
// Calling Consume after a message was returned starts a new frame.
func (p *Parser) Consume(buf []byte) (*Message, int) {
	if p.state == Done {
		p.Reset()
	}

	n := 0
	for n < len(buf) && p.state != Done {
		if p.state == NeedPayload {
			k := copy(p.msg.Payload[p.payloadHave:], buf[n:])
			for _, b := range buf[n : n+k] {
				p.msg.CalculatedChecksum += b
			}
			p.payloadHave += k
			p.take(k)
			n += k
			if p.payloadHave == len(p.msg.Payload) {
				p.state = NeedChecksum
			}
			continue
		}

		p.step(buf[n])
		n++
	}

	if p.state != Done {
		return nil, n
	}

	msg := p.msg
	return &msg, n
}

func (p *Parser) step(b byte) {
	if p.state < NeedChecksum {
		p.msg.CalculatedChecksum += b
	}

	switch p.state {
	case NeedMessageType:
		p.msg.Type = MessageType(b)
		p.state = NeedLength

	case NeedLength:
		p.lenBuf[p.lenHave] = b
		p.lenHave++
		if p.lenBuf[0] != 255 {
			p.remaining = int(b)
			p.state = NeedAddress
		} else if p.lenHave == 3 {
			p.remaining = int(binary.LittleEndian.Uint16(p.lenBuf[1:]))
			p.state = NeedAddress
		}

	case NeedAddress:
		p.msg.Address = b
		p.take(1)
		p.state = NeedPort

	case NeedPort:
		p.msg.Port = b
		p.take(1)
		p.state = NeedPayloadType

	case NeedPayloadType:
		p.msg.PayloadType = PayloadType(b)
		p.take(1)
		if p.msg.PayloadType.HasTimestamp() {
			p.state = NeedTimestamp
		} else {
			p.msg.Timestamp = InvalidTimestamp
			p.beginPayload()
		}

	case NeedTimestamp:
		p.tsBuf[p.tsHave] = b
		p.tsHave++
		p.take(1)
		if p.tsHave == len(p.tsBuf) {
			p.msg.Timestamp = Timestamp{
				Seconds: binary.LittleEndian.Uint32(p.tsBuf[0:4]),
				Ticks:   binary.LittleEndian.Uint16(p.tsBuf[4:6]),
			}
			p.beginPayload()
		}

	case NeedChecksum:
		p.msg.Checksum = b
		p.take(1)
		p.state = Done
	}
}

// beginPayload sizes the payload from what remains of the declared length,
// keeping one byte for the checksum.
func (p *Parser) beginPayload() {
	size := p.remaining - 1
	if size < 0 {
		p.msg.malformed = true
		size = 0
	}
	p.msg.Payload = make([]byte, size)
	p.payloadHave = 0
	if size == 0 {
		p.state = NeedChecksum
	} else {
		p.state = NeedPayload
	}
}

func (p *Parser) take(n int) {
	p.remaining -= n
	if p.remaining < 0 {
		p.msg.malformed = true
		p.remaining = 0
	}
}
