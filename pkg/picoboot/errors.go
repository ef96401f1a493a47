package picoboot

import (
	"errors"
	"fmt"
)

var (
	// ErrRegionSpan is returned when a transfer starts and ends in different
	// memory types.
	ErrRegionSpan = errors.New("picoboot: transfer spans multiple memory regions")

	// ErrUnsupported is returned for transfers the driver cannot perform.
	ErrUnsupported = errors.New("picoboot: unsupported operation")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("picoboot: session closed")

	// ErrStalled is reported by a transport when the device stalls a command.
	ErrStalled = errors.New("picoboot: command stalled")
)

// CommandError is a command the device rejected with a status code.
type CommandError struct {
	Op      string
	Command CommandID
	Status  Status
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("picoboot: %s: %v failed with %v", e.Op, e.Command, e.Status)
}

// TransportError is a command that failed below the protocol, where the device
// could not report a status.
type TransportError struct {
	Op      string
	Command CommandID
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("picoboot: %s: %v transport failure: %v", e.Op, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AlignmentError reports a flash transfer that is not page or sector aligned.
type AlignmentError struct {
	Addr      uint32
	Length    uint32
	Alignment uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("picoboot: 0x%08X+%d is not aligned to %d bytes", e.Addr, e.Length, e.Alignment)
}

// ArgumentError reports an argument outside what a command accepts.
type ArgumentError struct {
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("picoboot: invalid %s: %s", e.Arg, e.Reason)
}

// IsStatus reports whether err is a *CommandError carrying status.
func IsStatus(err error, status Status) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Status == status
}
