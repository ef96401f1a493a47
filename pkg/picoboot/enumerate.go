package picoboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// USBDeviceInfo describes a device found in BOOTSEL mode.
type USBDeviceInfo struct {
	Location  USBLocation
	VendorID  uint16
	ProductID uint16
	Model     pico.Model
}

// Label returns a user-friendly description for the device.
func (i USBDeviceInfo) Label() string {
	return fmt.Sprintf("%v BOOTSEL (%04X:%04X) on %v", i.Model, i.VendorID, i.ProductID, i.Location)
}

// IsBootsel reports whether vid:pid is an RP2 bootrom.
func IsBootsel(vid, pid uint16) bool {
	return vid == VendorIDRaspberryPi && ModelForProductID(pid) != pico.ModelUnknown
}

// DiscoverBootsel lists the RP2 devices currently in BOOTSEL mode. Devices are
// only inspected, not opened.
func DiscoverBootsel(ctx context.Context) ([]USBDeviceInfo, error) {
	var results []USBDeviceInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		vid, pid := uint16(desc.Vendor), uint16(desc.Product)
		if IsBootsel(vid, pid) {
			results = append(results, USBDeviceInfo{
				Location:  USBLocation{Bus: desc.Bus, Address: desc.Address},
				VendorID:  vid,
				ProductID: pid,
				Model:     ModelForProductID(pid),
			})
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Open starts a session with a discovered device.
func Open(info USBDeviceInfo, opts ...Option) (*Device, error) {
	t, err := NewUSBTransport(info.Location)
	if err != nil {
		return nil, err
	}

	identity := info.Label()
	if serial := t.SerialNumber(); serial != "" {
		identity = fmt.Sprintf("%s serial %s", identity, serial)
	}
	opts = append([]Option{WithModel(info.Model), WithIdentity(identity)}, opts...)

	d, err := New(t, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}
