package picoboot

import (
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog/log"
)

// Transport carries PICOBOOT commands to a device.
type Transport interface {
	// Command sends cmd and runs its data phase. For device to host
	// commands data receives TransferLength bytes; otherwise data is sent.
	// A rejected command is reported as an error wrapping ErrStalled.
	Command(cmd Command, data []byte) error

	// Status queries the result of the last command.
	Status() (CommandStatus, error)

	// Reset clears a stalled interface.
	Reset() error

	Close() error
}

const (
	requestReset     = 0x41
	requestCmdStatus = 0x42

	requestTypeOut = 0x41 // host to device, vendor, interface
	requestTypeIn  = 0xC1 // device to host, vendor, interface

	DefaultTimeout = 3 * time.Second
)

// USBTransport talks PICOBOOT over the bootrom's vendor interface.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	intfNum int
	serial  string
}

// USBLocation identifies a device on the bus.
type USBLocation struct {
	Bus     int
	Address int
}

func (l USBLocation) String() string { return fmt.Sprintf("bus %d address %d", l.Bus, l.Address) }

// NewUSBTransport opens the bootrom interface of the device at loc.
func NewUSBTransport(loc USBLocation) (*USBTransport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == loc.Bus && desc.Address == loc.Address
	})
	for _, d := range devs[min(len(devs), 1):] {
		d.Close()
	}
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("USB error: %w", err)
		}
		return nil, fmt.Errorf("device not found at %v", loc)
	}
	dev := devs[0]
	dev.ControlTimeout = DefaultTimeout

	// Not fatal on all platforms
	if err := dev.SetAutoDetach(true); err != nil {
		log.Debug().Err(err).Stringer("usb", loc).Msg("auto detach unavailable")
	}

	t := &USBTransport{ctx: ctx, dev: dev}
	t.serial, _ = dev.SerialNumber()

	if err := t.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

// claimInterface claims the vendor interface. The bootrom exposes it as
// interface 0 when mass storage is disabled and interface 1 otherwise.
func (t *USBTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	t.intfNum = 0
	if len(cfg.Desc.Interfaces) > 1 {
		t.intfNum = 1
	}
	desc := cfg.Desc.Interfaces[t.intfNum]
	if len(desc.AltSettings) == 0 || desc.AltSettings[0].Class != gousb.ClassVendorSpec {
		cfg.Close()
		return fmt.Errorf("interface %d is not a PICOBOOT interface", t.intfNum)
	}

	intf, err := cfg.Interface(t.intfNum, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to claim interface %d: %w", t.intfNum, err)
	}
	t.intf = intf

	if err := t.findEndpoints(); err != nil {
		intf.Close()
		cfg.Close()
		return err
	}
	return nil
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && outAddr == 0 {
			outAddr = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && inAddr == 0 {
			inAddr = ep.Number
		}
	}
	if outAddr == 0 || inAddr == 0 {
		return fmt.Errorf("bulk endpoints not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn
	return nil
}

// SerialNumber is the USB serial string descriptor.
func (t *USBTransport) SerialNumber() string { return t.serial }

// Command sends cmd, runs the data phase and completes the status phase with a
// single byte transfer in the opposite direction.
func (t *USBTransport) Command(cmd Command, data []byte) error {
	if t.dev == nil {
		return ErrClosed
	}
	packet, err := cmd.Encode()
	if err != nil {
		return err
	}
	if uint32(len(data)) < cmd.TransferLength {
		return fmt.Errorf("picoboot: %v buffer holds %d of %d bytes", cmd.ID, len(data), cmd.TransferLength)
	}

	if _, err := t.epOut.Write(packet); err != nil {
		return fmt.Errorf("%w: USB write failed: %v", ErrStalled, err)
	}

	data = data[:cmd.TransferLength]
	if cmd.ID.IsIn() {
		for len(data) > 0 {
			n, err := t.epIn.Read(data)
			if err != nil {
				return fmt.Errorf("%w: USB read failed: %v", ErrStalled, err)
			}
			data = data[n:]
		}
		_, err = t.epOut.Write(make([]byte, 1))
	} else {
		if len(data) > 0 {
			if _, err := t.epOut.Write(data); err != nil {
				return fmt.Errorf("%w: USB write failed: %v", ErrStalled, err)
			}
		}
		_, err = t.epIn.Read(make([]byte, 1))
	}
	if err != nil {
		return fmt.Errorf("%w: acknowledgement failed: %v", ErrStalled, err)
	}
	return nil
}

// Status issues the CMD_STATUS control request.
func (t *USBTransport) Status() (CommandStatus, error) {
	if t.dev == nil {
		return CommandStatus{}, ErrClosed
	}
	buf := make([]byte, statusSize)
	n, err := t.dev.Control(requestTypeIn, requestCmdStatus, 0, uint16(t.intfNum), buf)
	if err != nil {
		return CommandStatus{}, fmt.Errorf("USB control failed: %w", err)
	}
	return DecodeStatus(buf[:n])
}

// Reset issues the interface RESET control request.
func (t *USBTransport) Reset() error {
	if t.dev == nil {
		return ErrClosed
	}
	if _, err := t.dev.Control(requestTypeOut, requestReset, 0, uint16(t.intfNum), nil); err != nil {
		return fmt.Errorf("USB control failed: %w", err)
	}
	return nil
}

// Close releases USB resources
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
