package harp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single register transaction when probing devices.
const DefaultTimeout = 500 * time.Millisecond

const receiveBufferSize = 1024

var (
	// ErrTimeout is returned when no matching reply arrives within the
	// connection timeout.
	ErrTimeout = errors.New("harp: timed out waiting for reply")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("harp: connection closed")
)

// Conn runs request/reply transactions over a byte stream. A Conn is used by a
// single goroutine at a time.
type Conn struct {
	rw      io.ReadWriter
	closer  io.Closer
	name    string
	timeout time.Duration
	now     func() time.Time

	buf       [receiveBufferSize]byte
	readHead  int
	writeHead int
}

// NewConn wraps rw. A zero timeout waits forever. If rw implements io.Closer it
// is closed by Close.
func NewConn(rw io.ReadWriter, timeout time.Duration) *Conn {
	c := &Conn{rw: rw, timeout: timeout, now: time.Now, name: "stream"}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Name returns the port name the connection was opened on.
func (c *Conn) Name() string { return c.name }

// Timeout returns the transaction timeout.
func (c *Conn) Timeout() time.Duration { return c.timeout }

// Transact sends a single frame and waits for the reply addressed to the same
// register. Events and replies for other registers are discarded.
func (c *Conn) Transact(t MessageType, address byte, pt PayloadType, payload []byte) (*Message, error) {
	if c.rw == nil {
		return nil, ErrClosed
	}

	frame, err := Encode(t, address, pt, payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.rw.Write(frame); err != nil {
		return nil, fmt.Errorf("harp: write %v to %s: %w", t, c.name, err)
	}

	start := c.now()
	var parser Parser
	for {
		if c.readHead < c.writeHead {
			msg, n := parser.Consume(c.buf[c.readHead:c.writeHead])
			c.readHead += n
			if c.readHead == c.writeHead {
				c.readHead, c.writeHead = 0, 0
			}

			if msg != nil {
				if msg.Type == MessageEvent {
					log.Debug().Str("port", c.name).Uint8("address", msg.Address).
						Msgf("got event in response to %v %v, trying again", t, CommonRegister(address))
					continue
				}
				if msg.Address != address {
					log.Debug().Str("port", c.name).Uint8("address", msg.Address).
						Msgf("got unrelated %v in response to %v %v, trying again", msg.Type, t, CommonRegister(address))
					continue
				}
				return msg, nil
			}
		}

		if c.timeout > 0 && c.now().Sub(start) > c.timeout {
			return nil, ErrTimeout
		}

		if c.writeHead == len(c.buf) {
			live := copy(c.buf[:], c.buf[c.readHead:c.writeHead])
			c.readHead, c.writeHead = 0, live
		}

		n, err := c.rw.Read(c.buf[c.writeHead:])
		c.writeHead += n
		if err != nil {
			return nil, fmt.Errorf("harp: read from %s: %w", c.name, err)
		}
	}
}

// Read requests the value of register, declaring the element type the caller
// expects back.
func (c *Conn) Read(register byte, e ElementType) (*Message, error) {
	pt, err := PayloadTypeOf(e, false)
	if err != nil {
		return nil, err
	}
	return c.Transact(MessageRead, register, pt, nil)
}

// Write stores payload into register.
func (c *Conn) Write(register byte, pt PayloadType, payload []byte) (*Message, error) {
	return c.Transact(MessageWrite, register, pt, payload)
}

// ReadRegister is Read for a common register.
func (c *Conn) ReadRegister(r CommonRegister, e ElementType) (*Message, error) {
	return c.Read(byte(r), e)
}

// WriteU32 writes a single U32 value to a common register.
func (c *Conn) WriteU32(r CommonRegister, v uint32) (*Message, error) {
	return c.Write(byte(r), MustPayloadType(ElementU32), binary.LittleEndian.AppendUint32(nil, v))
}

// Close releases the underlying stream.
func (c *Conn) Close() error {
	c.rw = nil
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
