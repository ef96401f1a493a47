package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

const vendorIDFTDI = 0x0403

// SerialDiscoverer finds USB serial ports that may belong to Harp devices:
// Pico boards running firmware, and FTDI adapters used by ATxmega boards.
type SerialDiscoverer struct {
	// List defaults to enumerator.GetDetailedPortsList.
	List func() ([]*enumerator.PortDetails, error)
	// InterfaceString looks up the USB interface string of a port when the
	// enumerator has no product string. Defaults to reading sysfs.
	InterfaceString func(portName string) string
}

func (s SerialDiscoverer) Discover(ctx context.Context) ([]Device, error) {
	list := s.List
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("list USB serial ports: %w", err)
	}

	var devices []Device
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if d, ok := s.fromPort(p); ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (s SerialDiscoverer) fromPort(p *enumerator.PortDetails) (Device, bool) {
	if !p.IsUSB {
		return Device{}, false
	}
	vid, pid := parseUSBID(p.VID), parseUSBID(p.PID)
	ids := fmt.Sprintf("%04X:%04X", vid, pid)

	var d Device
	switch {
	case vid == picoboot.VendorIDRaspberryPi && (pid == picoboot.ProductIDRP2040Stdio || pid == picoboot.ProductIDRP2350Stdio):
		log.Debug().Str("port", p.Name).Msg("USB serial port is an online Pico device")
		d = Device{Confidence: ConfidenceLow, Kind: KindPico, State: StateOnline, Source: "Pico USB serial port " + ids}
	case vid == picoboot.VendorIDRaspberryPi:
		log.Debug().Str("port", p.Name).Str("usb", ids).Msg("unrecognized Raspberry Pi device")
		return Device{}, false
	case vid == vendorIDFTDI:
		log.Debug().Str("port", p.Name).Msg("USB serial port is an FTDI interface")
		d = Device{Confidence: ConfidenceLow, Kind: KindFTDI, State: StateOnline, Source: "FTDI USB serial port " + ids}
	default:
		log.Debug().Str("port", p.Name).Str("usb", ids).Msg("USB serial port is not a potential Harp device")
		return Device{}, false
	}
	d.PortName = p.Name

	desc := p.Product
	if desc == "" {
		lookup := s.InterfaceString
		if lookup == nil {
			lookup = sysfsInterfaceString
		}
		desc = lookup(p.Name)
	}
	// A fresh record has no WhoAmI, so this cannot fail.
	d, _ = d.WithUSBDescription(desc)

	if d.Kind == KindFTDI && d.WhoAmI != nil {
		log.Debug().Str("port", p.Name).Msg("FTDI interface has Harp metadata, assuming an ATxmega device")
		d.Kind = KindATxmega
	}
	return d, true
}

func parseUSBID(s string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// sysfsInterfaceString reads the USB interface string Linux exposes for a tty.
// It returns "" elsewhere.
func sysfsInterfaceString(portName string) string {
	raw, err := os.ReadFile(filepath.Join("/sys/class/tty", filepath.Base(portName), "device", "interface"))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(raw), "\r\n")
}

// SerialPortLister lists ports with go.bug.st/serial.
type SerialPortLister struct{}

func (SerialPortLister) ListPorts() ([]string, error) { return serial.GetPortsList() }
