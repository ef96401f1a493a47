package upload

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
	"github.com/harp-tech/harp-regulator/pkg/uf2"
)

// ErrNoSession is returned by Verify for a device without a PICOBOOT session.
var ErrNoSession = errors.New("upload: device has no PICOBOOT session")

// FlashTarget is the part of a PICOBOOT session Verify inspects.
type FlashTarget interface {
	Model() pico.Model
	FlashRange() (pico.AddressRange, error)
}

// KindOf is the device kind firmware for family runs on.
func KindOf(family uf2.Family) device.Kind {
	if family.IsPico() {
		return device.KindPico
	}
	return device.KindUnknown
}

// FirmwareDevice describes the device an image was built for.
func FirmwareDevice(view *uf2.View) (device.Device, pico.FirmwareInfo) {
	info, err := pico.ReadFirmwareInfo(view)
	if err != nil {
		log.Warn().Err(err).Stringer("firmware", view).Msg("could not read firmware info")
		info = pico.FirmwareInfo{}
	}
	fw := device.New(view.String())
	fw.Kind = KindOf(view.Family())
	return fw.WithFirmwareInfo(info), info
}

// Verify compares the device with the firmware in view. target is the device's
// PICOBOOT session; when nil dev.Session is used. Only transport failures are
// returned as errors; everything else is a finding in the report.
func Verify(dev device.Device, target FlashTarget, view *uf2.View) (*Report, error) {
	if target == nil {
		if dev.Session == nil {
			return nil, ErrNoSession
		}
		target = dev.Session
	}

	deviceFlash, err := target.FlashRange()
	switch {
	case picoboot.IsStatus(err, picoboot.StatusNotPermitted):
		log.Debug().Msg("flash size not readable, permission denied")
		deviceFlash = pico.AddressRange{}
	case err != nil:
		return nil, fmt.Errorf("upload: read flash size: %w", err)
	}

	fw, info := FirmwareDevice(view)
	r := &Report{
		Device:        dev,
		Firmware:      fw,
		DeviceModel:   target.Model(),
		FirmwareModel: view.Family().Model(),
		DeviceFlash:   deviceFlash,
		FirmwareFlash: view.UsedFlashRange(),
	}

	if !deviceFlash.Empty() && !r.FirmwareFlash.Empty() && !deviceFlash.ContainsRange(r.FirmwareFlash) {
		devDesc, fwDesc := deviceFlash.String(), r.FirmwareFlash.String()
		if deviceFlash.Start == r.FirmwareFlash.Start {
			devDesc = humanize.IBytes(uint64(deviceFlash.Size()))
			fwDesc = humanize.IBytes(uint64(r.FirmwareFlash.Size()))
		}
		r.add(LevelFatal, "The firmware's flash region will not fit within the usable portion of the device's flash storage:", devDesc, fwDesc)
	}

	if !info.HaveInfo() {
		r.add(LevelMajor, "Firmware does not have embedded firmware info! Cannot check if it is compatible with the target device.", "", "")
		return r, nil
	}

	if fw.Confidence != device.ConfidenceHigh {
		r.add(LevelMajor, "Firmware does not appear to be Harp firmware!", "", "")
	}
	if !equalPtr(dev.WhoAmI, fw.WhoAmI) {
		r.add(LevelMajor, "The WhoAmI does not match between the device and the firmware!", formatPtr(dev.WhoAmI), formatPtr(fw.WhoAmI))
	}
	if dev.Kind != fw.Kind {
		r.add(LevelMajor, "The device kind does not match between the device and the firmware!", dev.Kind.String(), fw.Kind.String())
	}
	if r.DeviceModel != r.FirmwareModel {
		r.add(LevelMajor, "The Pico model does not match between the device and the firmware!", r.DeviceModel.String(), r.FirmwareModel.String())
	}
	if dev.FirmwareVersion != nil && fw.FirmwareVersion != nil {
		if c := fw.FirmwareVersion.Compare(*dev.FirmwareVersion); c <= 0 {
			difference := "older than"
			if c == 0 {
				difference = "the same as"
			}
			r.add(LevelMinor, fmt.Sprintf("The firmware version is %s what's already on the device:", difference),
				dev.FirmwareVersion.String(), fw.FirmwareVersion.String())
		}
	}
	return r, nil
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func formatPtr[T any](p *T) string {
	if p == nil {
		return "<unknown>"
	}
	return fmt.Sprint(*p)
}
