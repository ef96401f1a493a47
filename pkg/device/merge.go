package device

import (
	"bytes"
	"errors"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/harp"
	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

var (
	// ErrWhoAmIAlreadySet is returned when a descriptor is applied to a device
	// that already has a WhoAmI.
	ErrWhoAmIAlreadySet = errors.New("device: WhoAmI already set")

	// ErrSessionAlreadySet is returned when a second PICOBOOT session is
	// attached to a device.
	ErrSessionAlreadySet = errors.New("device: PICOBOOT session already attached")
)

// Product strings too generic to be worth showing as a description.
var genericDescriptions = []string{
	"Board CDC", // older Pico core firmware
	"USB Serial Port",
}

// Sentinel serial numbers that do not identify a device.
const (
	serialNumberUnset       = 0
	serialNumberPicoNoFlash = 0xEEEE
)

// WithUSBDescription applies a USB descriptor string. A string without the
// Harp<WhoAmI> prefix only sets the description; one with it also sets WhoAmI,
// the optional firmware version and raises confidence to High.
func (d Device) WithUSBDescription(s string) (Device, error) {
	if s == "" {
		return d, nil
	}
	if d.WhoAmI != nil {
		return d, ErrWhoAmIAlreadySet
	}

	desc, ok := ParseDescriptor(s)
	if !ok {
		if slices.Contains(genericDescriptions, s) {
			return d, nil
		}
		d.Description = s
		return d, nil
	}

	d.Confidence = d.Confidence.PromoteTo(ConfidenceHigh)
	d.WhoAmI = ptr(desc.WhoAmI)
	if desc.Version != nil {
		d.FirmwareVersion = desc.Version
	}
	if desc.Description != "" {
		d.Description = desc.Description
	}
	return d, nil
}

// WithFirmwareInfo applies identification strings embedded in firmware. The
// program description is parsed as a descriptor, an explicit version string
// wins over any version found elsewhere and the program name is the fallback
// description.
func (d Device) WithFirmwareInfo(info pico.FirmwareInfo) Device {
	if !info.HaveInfo() {
		return d
	}

	result, err := d.WithUSBDescription(info.Description)
	if err != nil {
		log.Warn().Err(err).Str("device", d.label()).Str("description", info.Description).
			Msg("ignoring firmware description")
		result = d
	}

	if info.Version != "" {
		v, err := ParseVersion(info.Version)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("device", d.label()).Msg("firmware version string is not a Harp version")
		case result.FirmwareVersion == nil || *result.FirmwareVersion != v:
			if result.FirmwareVersion != nil && result.FirmwareVersion != d.FirmwareVersion {
				log.Warn().Str("device", d.label()).Str("description", info.Description).Str("version", info.Version).
					Msg("firmware description does not match the explicit version")
			} else if d.FirmwareVersion != nil {
				log.Warn().Str("device", d.label()).Stringer("previous", d.FirmwareVersion).Str("version", info.Version).
					Msg("firmware version differs from the one detected earlier, using the firmware's")
			}
			result.FirmwareVersion = &v
		}
	}

	if result.Description == "" && info.ProgramName != "" {
		result.Description = info.ProgramName
	}
	return result
}

// WithHarpPort opens the device's port with opener and reads missing metadata
// through the Harp protocol.
func (d Device) WithHarpPort(opener harp.Opener) Device {
	if d.PortName == "" {
		log.Warn().Str("device", d.label()).Msg("no serial port to connect to")
		return d
	}
	conn, err := opener.Open(d.PortName)
	if err != nil {
		log.Warn().Err(err).Str("port", d.PortName).Msg("could not open port")
		return d
	}
	defer conn.Close()
	return d.WithHarpProtocol(conn)
}

// WithHarpProtocol reads the common registers for fields that are still
// unknown. Invalid replies are skipped; a timeout or I/O error leaves the
// device unchanged. A device that answers is Online, and a WhoAmI read from
// its register makes it High confidence.
func (d Device) WithHarpProtocol(conn *harp.Conn) Device {
	port := conn.Name()
	if port == "" {
		port = d.PortName
	}
	failed := func(reg harp.CommonRegister, err error) Device {
		if errors.Is(err, harp.ErrTimeout) {
			log.Warn().Str("port", port).Stringer("register", reg).Msg("timed out reading register")
		} else {
			log.Warn().Err(err).Str("port", port).Stringer("register", reg).Msg("error reading register")
		}
		return d
	}

	result := d
	if d.WhoAmI == nil {
		msg, err := readRegister(conn, port, harp.RegWhoAmI, harp.ElementU16, 1)
		if err != nil {
			return failed(harp.RegWhoAmI, err)
		}
		if msg != nil {
			values, _ := msg.Uint16s()
			result.WhoAmI = ptr(values[0])
			result.Confidence = result.Confidence.PromoteTo(ConfidenceHigh)
		}
	}

	if d.FirmwareVersion == nil {
		major, err := readRegister(conn, port, harp.RegFirmwareVersionH, harp.ElementU8, 1)
		if err != nil {
			return failed(harp.RegFirmwareVersionH, err)
		}
		if major != nil {
			minor, err := readRegister(conn, port, harp.RegFirmwareVersionL, harp.ElementU8, 1)
			if err != nil {
				return failed(harp.RegFirmwareVersionL, err)
			}
			if minor != nil {
				result.FirmwareVersion = &Version{Major: major.Payload[0], Minor: minor.Payload[0]}
			}
		}
	}

	if d.Description == "" {
		msg, err := readRegister(conn, port, harp.RegDeviceName, harp.ElementU8, 0)
		if err != nil {
			return failed(harp.RegDeviceName, err)
		}
		if msg != nil {
			name := msg.Payload
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			if len(name) > 0 {
				result.Description = string(name)
			}
		}
	}

	if d.SerialNumber == nil {
		msg, err := readRegister(conn, port, harp.RegSerialNumber, harp.ElementU16, 1)
		if err != nil {
			return failed(harp.RegSerialNumber, err)
		}
		if msg != nil {
			values, _ := msg.Uint16s()
			switch serial := values[0]; {
			case serial == serialNumberUnset, serial == serialNumberPicoNoFlash && d.Kind == KindPico:
				log.Debug().Str("port", port).Msgf("ignoring invalid serial number %04x", serial)
			default:
				result.SerialNumber = ptr(uint64(serial))
			}
		}
	}

	result.State = StateOnline
	return result
}

// readRegister reads reg, returning nil without error when the reply is not a
// usable answer.
func readRegister(conn *harp.Conn, port string, reg harp.CommonRegister, e harp.ElementType, minLen int) (*harp.Message, error) {
	msg, err := conn.ReadRegister(reg, e)
	if err != nil {
		return nil, err
	}

	var problem string
	switch {
	case !msg.Valid():
		problem = "invalid reply"
	case msg.Type != harp.MessageRead:
		problem = "unexpected " + msg.Type.String() + " reply"
	case msg.PayloadType.ElementType() != e:
		problem = "unexpected " + msg.PayloadType.String() + " payload, want " + e.String()
	case msg.Len() < minLen:
		problem = "reply too short"
	default:
		return msg, nil
	}
	log.Warn().Str("port", port).Stringer("register", reg).Msg(problem)
	return nil, nil
}

// WithPicoboot attaches an open PICOBOOT session. The chip's unique ID becomes
// the serial number and firmware info is read from flash.
func (d Device) WithPicoboot(session *picoboot.Device) (Device, error) {
	if d.Session != nil {
		return d, ErrSessionAlreadySet
	}
	log.Debug().Str("source", d.Source).Stringer("session", session).Msg("populating details via PICOBOOT")

	result := d
	result.Session = session
	if id, ok := session.UniqueID(); ok {
		if d.SerialNumber != nil {
			log.Debug().Str("source", d.Source).Msgf("serial number %016x from PICOBOOT replaces %x", id, *d.SerialNumber)
		}
		result.SerialNumber = ptr(id)
	}

	info, err := pico.ReadFirmwareInfo(session)
	if err != nil {
		log.Warn().Err(err).Stringer("session", session).Msg("could not read firmware info")
		return result, nil
	}
	return result.WithFirmwareInfo(info), nil
}

func (d Device) label() string {
	if d.PortName != "" {
		return d.PortName
	}
	return d.Source
}
