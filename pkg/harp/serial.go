package harp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// DefaultBaudRate is the line rate used by every Harp device.
const DefaultBaudRate = 115200

// Option configures a serial connection.
type Option func(*serialOptions)

type serialOptions struct {
	baudRate int
}

// WithBaudRate overrides DefaultBaudRate.
func WithBaudRate(baud int) Option {
	return func(o *serialOptions) {
		if baud > 0 {
			o.baudRate = baud
		}
	}
}

// Open connects to the Harp device on portName at 8N1. A zero timeout blocks
// until a reply arrives.
func Open(portName string, timeout time.Duration, opts ...Option) (*Conn, error) {
	o := serialOptions{baudRate: DefaultBaudRate}
	for _, opt := range opts {
		opt(&o)
	}

	mode := &serial.Mode{
		BaudRate: o.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}

	readTimeout := serial.NoTimeout
	if timeout > 0 {
		readTimeout = timeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}

	log.Debug().Str("port", portName).Int("baud", o.baudRate).Dur("timeout", timeout).Msg("Serial port opened")

	c := NewConn(port, timeout)
	c.name = portName
	return c, nil
}

// Opener opens Harp connections by port name.
type Opener interface {
	Open(portName string) (*Conn, error)
}

// SerialOpener opens serial ports with a fixed timeout and baud rate.
type SerialOpener struct {
	Timeout  time.Duration
	BaudRate int
}

func (o SerialOpener) Open(portName string) (*Conn, error) {
	return Open(portName, o.Timeout, WithBaudRate(o.BaudRate))
}
