package upload

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/harp"
)

var (
	// ErrNotUpdatable is returned when a device reports no firmware update
	// capabilities.
	ErrNotUpdatable = errors.New("upload: device is not capable of automated firmware updates")

	// ErrUnsupportedUpdateMethod is returned when a device only offers update
	// methods other than PICOBOOT.
	ErrUnsupportedUpdateMethod = errors.New("upload: device does not offer a supported automated firmware update method")

	// ErrNoBootselDevice is returned when no device showed up in BOOTSEL mode.
	ErrNoBootselDevice = errors.New("upload: could not find any devices in BOOTSEL mode")
)

// ReplyError is an unusable reply to a firmware update register access.
type ReplyError struct {
	Register harp.CommonRegister
	Reason   string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("upload: %v: %s", e.Register, e.Reason)
}

// Capabilities reads RegFirmwareUpdateCapabilities.
func Capabilities(conn *harp.Conn) (harp.FirmwareUpdateCapabilities, error) {
	const reg = harp.RegFirmwareUpdateCapabilities
	msg, err := conn.ReadRegister(reg, harp.ElementU32)
	if err != nil {
		return 0, err
	}

	switch {
	case !msg.Valid():
		return 0, &ReplyError{Register: reg, Reason: "invalid response"}
	case msg.Type == harp.MessageReadError:
		return 0, &ReplyError{Register: reg, Reason: "not supported by device"}
	case msg.Type != harp.MessageRead:
		return 0, &ReplyError{Register: reg, Reason: fmt.Sprintf("unexpected %v reply", msg.Type)}
	}
	values, err := msg.Uint32s()
	if err != nil {
		return 0, &ReplyError{Register: reg, Reason: err.Error()}
	}
	if len(values) < 1 {
		return 0, &ReplyError{Register: reg, Reason: "empty reply"}
	}
	return harp.FirmwareUpdateCapabilities(values[0]), nil
}

// RequestBootloader asks the device on conn to reboot into BOOTSEL mode. The
// device may reset before replying, so a timeout after the request is sent
// counts as success.
func RequestBootloader(conn *harp.Conn) error {
	caps, err := Capabilities(conn)
	if err != nil {
		return err
	}
	if caps == harp.FirmwareUpdateNone {
		return ErrNotUpdatable
	}
	if !caps.Has(harp.FirmwareUpdatePicoBootsel) {
		return ErrUnsupportedUpdateMethod
	}

	log.Info().Str("port", conn.Name()).Msg("instructing device to reboot into BOOTSEL mode")
	msg, err := conn.WriteU32(harp.RegFirmwareUpdateStartCommand, uint32(harp.FirmwareUpdatePicoBootsel))
	switch {
	case errors.Is(err, harp.ErrTimeout):
		log.Debug().Str("port", conn.Name()).Msg("no reply to start command, assuming the device rebooted")
		return nil
	case err != nil:
		return err
	case msg.Type == harp.MessageWriteError:
		return &ReplyError{Register: harp.RegFirmwareUpdateStartCommand, Reason: "rejected by device"}
	}
	return nil
}

// SerialMismatchError is returned with the found device by FindBootsel when
// the only BOOTSEL device does not carry the expected serial number.
type SerialMismatchError struct {
	Want  string
	Found *uint64
}

func (e *SerialMismatchError) Error() string {
	found := "N/A"
	if e.Found != nil {
		found = strconv.FormatUint(*e.Found, 16)
	}
	return fmt.Sprintf("upload: before rebooting the device had serial number %s, but this device has serial number %s", e.Want, found)
}

// AmbiguousError lists the devices a selection could not choose between.
type AmbiguousError struct {
	What    string
	Devices []device.Device
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("upload: %s is ambiguous and matches %d devices", e.What, len(e.Devices))
}

// ErrDriverState is wrapped with ErrNoBootselDevice when a device could not
// be opened, which usually means a missing or broken USB driver.
var ErrDriverState = errors.New("one or more devices has a driver in an erroneous state")

// FindBootsel picks the device that reappeared in BOOTSEL mode out of a fresh
// enumeration. serial is the serial number the device had before rebooting,
// if known. A *SerialMismatchError is returned along with the device when the
// only candidate has a different serial number.
func FindBootsel(devices []device.Device, serial *uint64) (device.Device, error) {
	bootsel := device.FilterFunc(devices, func(d device.Device) bool {
		return d.Kind == device.KindPico && d.State == device.StateBootloader
	})

	want := ""
	if serial != nil {
		want = strconv.FormatUint(*serial, 16)
		matched := device.FilterFunc(bootsel, func(d device.Device) bool { return d.SerialNumberPartialMatch(want) })
		switch {
		case len(matched) == 1:
			return matched[0], nil
		case len(matched) > 1:
			return device.Device{}, &AmbiguousError{What: fmt.Sprintf("serial number %q", want), Devices: matched}
		}
	}

	switch len(bootsel) {
	case 0:
		for _, d := range devices {
			if d.State == device.StateDriverError {
				return device.Device{}, fmt.Errorf("%w: %w", ErrNoBootselDevice, ErrDriverState)
			}
		}
		return device.Device{}, ErrNoBootselDevice
	case 1:
	default:
		return device.Device{}, &AmbiguousError{What: "BOOTSEL device", Devices: bootsel}
	}

	found := bootsel[0]
	if want != "" && !found.SerialNumberPartialMatch(want) {
		return found, &SerialMismatchError{Want: want, Found: found.SerialNumber}
	}
	return found, nil
}
