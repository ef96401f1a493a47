// Package device resolves the identity of Harp devices attached to the host.
//
// A Device is an immutable record. Each With method returns an updated copy
// carrying whatever could be learned from one source of evidence: USB
// descriptor strings, firmware embedded binary info, the Harp protocol or an
// open PICOBOOT session.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

// Confidence is how sure we are that a record is a Harp device. Higher values
// are more confident.
type Confidence int

const (
	// ConfidenceZero is a plain serial port with no sign of Harp.
	ConfidenceZero Confidence = iota
	// ConfidenceLow looks like a Harp device but might not be one.
	ConfidenceLow
	// ConfidenceHigh is definitely a Harp device.
	ConfidenceHigh
)

var confidenceNames = [...]string{"Zero", "Low", "High"}

func (c Confidence) String() string {
	if c >= 0 && int(c) < len(confidenceNames) {
		return confidenceNames[c]
	}
	return fmt.Sprintf("Confidence(%d)", int(c))
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseConfidence accepts the names printed by String, case-insensitively.
func ParseConfidence(s string) (Confidence, error) {
	for i, name := range confidenceNames {
		if strings.EqualFold(s, name) {
			return Confidence(i), nil
		}
	}
	return ConfidenceZero, fmt.Errorf("device: unknown confidence %q", s)
}

// PromoteTo never lowers c.
func (c Confidence) PromoteTo(to Confidence) Confidence { return max(c, to) }

// DemoteTo never raises c.
func (c Confidence) DemoteTo(to Confidence) Confidence { return min(c, to) }

// Kind is the hardware family of a device.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPico is an RP2040/RP2350 device.
	KindPico
	// KindATxmega is an FTDI attached device that identified itself as Harp.
	KindATxmega
	// KindFTDI is a generic FTDI serial port.
	KindFTDI
)

var kindNames = [...]string{"Unknown", "Pico", "ATxmega", "FTDI"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// State is the operating state of a device.
type State int

const (
	StateUnknown State = iota
	// StateDriverError is a device the OS sees but cannot talk to.
	StateDriverError
	// StateBootloader is a device waiting in its bootloader, BOOTSEL for Pico.
	StateBootloader
	// StateOnline is a device running Harp firmware.
	StateOnline
)

var stateNames = [...]string{"Unknown", "DriverError", "Bootloader", "Online"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Version is a Harp firmware version.
type Version struct {
	Major, Minor, Patch uint8
}

var errVersionSyntax = errors.New("device: version must be major.minor.patch")

// ParseVersion parses "major.minor.patch" where each part fits in a byte.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", errVersionSyntax, s)
	}
	var v [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", errVersionSyntax, s)
		}
		v[i] = uint8(n)
	}
	return Version{Major: v[0], Minor: v[1], Patch: v[2]}, nil
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Compare returns -1, 0 or +1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpByte(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpByte(v.Minor, o.Minor)
	}
	return cmpByte(v.Patch, o.Patch)
}

func cmpByte(a, b uint8) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Device is everything known about one attached device. Optional fields are
// nil or empty when unknown. Devices are values: update them through the With
// methods and keep the result.
type Device struct {
	Confidence      Confidence `json:"confidence"`
	Kind            Kind       `json:"kind"`
	State           State      `json:"state"`
	PortName        string     `json:"portName,omitempty"`
	WhoAmI          *uint16    `json:"whoAmI,omitempty"`
	Description     string     `json:"description,omitempty"`
	SerialNumber    *uint64    `json:"serialNumber,omitempty"`
	FirmwareVersion *Version   `json:"firmwareVersion,omitempty"`

	// Source describes where enumeration found the device. Informational only.
	Source string `json:"source"`

	// Session is the open PICOBOOT session of a device in BOOTSEL mode.
	Session *picoboot.Device `json:"-"`
}

// New returns a record with zero confidence and unknown kind and state.
func New(source string) Device {
	return Device{Source: source}
}

func (d Device) String() string {
	var b strings.Builder
	switch {
	case d.PortName != "":
		b.WriteString(d.PortName)
	case d.Session != nil:
		b.WriteString(d.Session.String())
	default:
		b.WriteString(d.Source)
	}
	if d.WhoAmI != nil {
		fmt.Fprintf(&b, " Harp%d", *d.WhoAmI)
	}
	if d.Description != "" {
		fmt.Fprintf(&b, " %q", d.Description)
	}
	if d.FirmwareVersion != nil {
		fmt.Fprintf(&b, " v%v", *d.FirmwareVersion)
	}
	if d.SerialNumber != nil {
		fmt.Fprintf(&b, " serial %x", *d.SerialNumber)
	}
	fmt.Fprintf(&b, " [%v %v %v]", d.Kind, d.State, d.Confidence)
	return b.String()
}

// IsHarp reports whether the device has been positively identified.
func (d Device) IsHarp() bool { return d.Confidence == ConfidenceHigh }

func ptr[T any](v T) *T { return &v }
