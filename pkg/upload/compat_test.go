package upload

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
	"github.com/harp-tech/harp-regulator/pkg/uf2"
)

type fakeTarget struct {
	model pico.Model
	flash pico.AddressRange
	err   error
}

func (f fakeTarget) Model() pico.Model                      { return f.model }
func (f fakeTarget) FlashRange() (pico.AddressRange, error) { return f.flash, f.err }

func ptr[T any](v T) *T { return &v }

func bootselDevice() device.Device {
	return device.Device{
		Confidence:      device.ConfidenceHigh,
		Kind:            device.KindPico,
		State:           device.StateBootloader,
		WhoAmI:          ptr[uint16](1152),
		FirmwareVersion: &device.Version{Major: 1},
		Source:          "test",
	}
}

func flashOf(size uint32) pico.AddressRange {
	return pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart + size}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[pico.BinaryInfoID]string
		device   func(*device.Device)
		target   fakeTarget
		level    Level
		messages []string
	}{
		{
			name:   "matching",
			target: fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:  LevelNone,
		},
		{
			name:   "unknown device version",
			device: func(d *device.Device) { d.FirmwareVersion = nil },
			target: fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:  LevelNone,
		},
		{
			name: "same version",
			fields: map[pico.BinaryInfoID]string{
				pico.IDProgramDescription: "Harp1152|Fw1.0.0|Clock Synchronizer",
			},
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:    LevelMinor,
			messages: []string{"The firmware version is the same as what's already on the device:"},
		},
		{
			name:     "older version",
			device:   func(d *device.Device) { d.FirmwareVersion = &device.Version{Major: 1, Minor: 2} },
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:    LevelMinor,
			messages: []string{"The firmware version is older than what's already on the device:"},
		},
		{
			name:     "no firmware info",
			fields:   map[pico.BinaryInfoID]string{},
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:    LevelMajor,
			messages: []string{"Firmware does not have embedded firmware info! Cannot check if it is compatible with the target device."},
		},
		{
			name: "not harp firmware",
			fields: map[pico.BinaryInfoID]string{
				pico.IDProgramName:    "blink",
				pico.IDProgramVersion: "1.2.0",
			},
			target: fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:  LevelMajor,
			messages: []string{
				"Firmware does not appear to be Harp firmware!",
				"The WhoAmI does not match between the device and the firmware!",
			},
		},
		{
			name: "whoami mismatch",
			fields: map[pico.BinaryInfoID]string{
				pico.IDProgramDescription: "Harp1216|Fw2.0.0|Behavior",
			},
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:    LevelMajor,
			messages: []string{"The WhoAmI does not match between the device and the firmware!"},
		},
		{
			name:     "kind mismatch",
			device:   func(d *device.Device) { d.Kind = device.KindATxmega },
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(2 << 20)},
			level:    LevelMajor,
			messages: []string{"The device kind does not match between the device and the firmware!"},
		},
		{
			name:     "model mismatch",
			target:   fakeTarget{model: pico.ModelRP2040, flash: flashOf(2 << 20)},
			level:    LevelMajor,
			messages: []string{"The Pico model does not match between the device and the firmware!"},
		},
		{
			name:     "flash too small",
			target:   fakeTarget{model: pico.ModelRP2350, flash: flashOf(0x1000)},
			level:    LevelFatal,
			messages: []string{"The firmware's flash region will not fit within the usable portion of the device's flash storage:"},
		},
		{
			name:   "flash size unknown",
			target: fakeTarget{model: pico.ModelRP2350},
			level:  LevelNone,
		},
		{
			name: "flash size not permitted",
			target: fakeTarget{
				model: pico.ModelRP2350,
				flash: flashOf(0x1000),
				err:   &picoboot.CommandError{Op: "read", Command: picoboot.CmdRead, Status: picoboot.StatusNotPermitted},
			},
			level: LevelNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := tt.fields
			if fields == nil {
				fields = harpFirmware()
			}
			f := &uf2.File{}
			addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(fields))
			view := viewOf(t, f, uf2.FamilyRP2350ARMS)

			dev := bootselDevice()
			if tt.device != nil {
				tt.device(&dev)
			}

			r, err := Verify(dev, tt.target, view)
			require.NoError(t, err)
			assert.Equal(t, tt.level, r.Level())

			var messages []string
			for _, f := range r.Findings {
				messages = append(messages, f.Message)
			}
			assert.Equal(t, tt.messages, messages)
			assert.Equal(t, flashOf(imageSize), r.FirmwareFlash)
			assert.Equal(t, pico.ModelRP2350, r.FirmwareModel)
		})
	}
}

func TestVerifyFlashFindingDetails(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(harpFirmware()))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	r, err := Verify(bootselDevice(), fakeTarget{model: pico.ModelRP2350, flash: flashOf(0x1000)}, view)
	require.NoError(t, err)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "4.0 KiB", r.Findings[0].Device, "same start compares sizes")

	r, err = Verify(bootselDevice(), fakeTarget{
		model: pico.ModelRP2350,
		flash: pico.AddressRange{Start: pico.FlashStart + 0x1000, End: pico.FlashStart + 0x10000},
	}, view)
	require.NoError(t, err)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "0x10001000..0x10010000", r.Findings[0].Device)
	assert.Equal(t, "0x10000000..0x10002500", r.Findings[0].Firmware)
}

func TestVerifyErrors(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(harpFirmware()))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	_, err := Verify(bootselDevice(), nil, view)
	assert.ErrorIs(t, err, ErrNoSession)

	unplugged := errors.New("device unplugged")
	_, err = Verify(bootselDevice(), fakeTarget{model: pico.ModelRP2350, err: unplugged}, view)
	assert.ErrorIs(t, err, unplugged)
}

func TestVerifyWithSession(t *testing.T) {
	img := firmwareImage(harpFirmware())
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, img)
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	// 64 KiB of non-repeating flash contents so the size probe finds the
	// mirror point.
	sim := picoboot.NewSimTransport(pico.ModelRP2350, 64<<10)
	for i := range sim.Flash {
		sim.Flash[i] = byte(i*7) + byte(i>>8) + byte(i>>16)
	}
	dev := bootselDevice()
	dev.Session = newSession(t, sim)

	r, err := Verify(dev, nil, view)
	require.NoError(t, err)
	assert.Equal(t, flashOf(64<<10), r.DeviceFlash)
	assert.Equal(t, pico.ModelRP2350, r.DeviceModel)
	assert.Equal(t, LevelNone, r.Level())
}

func TestFirmwareDevice(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(harpFirmware()))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	fw, info := FirmwareDevice(view)
	assert.True(t, info.HaveInfo())
	assert.Equal(t, "clock-sync", info.ProgramName)
	assert.Equal(t, device.KindPico, fw.Kind)
	assert.Equal(t, ptr[uint16](1152), fw.WhoAmI)
	assert.Equal(t, &device.Version{Major: 1, Minor: 1}, fw.FirmwareVersion)
	assert.Equal(t, "Clock Synchronizer", fw.Description)
	assert.Equal(t, view.String(), fw.Source)

	assert.Equal(t, device.KindUnknown, KindOf(uf2.FamilyData))
}

func TestReportWriteTo(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(harpFirmware()))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	r, err := Verify(bootselDevice(), fakeTarget{model: pico.ModelRP2350, flash: flashOf(0x1000)}, view)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	out := buf.String()
	assert.Contains(t, out, "Physical device characteristics:")
	assert.Contains(t, out, "         WhoAmI: 1152")
	assert.Contains(t, out, "        Version: 1.0.0")
	assert.Contains(t, out, "        Version: 1.1.0")
	assert.Contains(t, out, "     Flash size: 4.0 KiB - 0x10000000..0x10001000")
	assert.Contains(t, out, "(This error is non-recoverable)")
	assert.NotContains(t, out, "Everything checks out!")

	r, err = Verify(bootselDevice(), fakeTarget{model: pico.ModelRP2350}, view)
	require.NoError(t, err)
	buf.Reset()
	_, err = r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "     Flash size: Unknown")
	assert.Contains(t, buf.String(), "Could not determine the size of the device's flash storage!")
	assert.Contains(t, buf.String(), "Everything checks out!")
}

func TestDecide(t *testing.T) {
	yes := func(string) bool { return true }
	no := func(string) bool { return false }

	tests := []struct {
		name    string
		level   Level
		force   bool
		confirm Confirm
		want    error
	}{
		{"none", LevelNone, false, nil, nil},
		{"none ignores refusal", LevelNone, false, no, nil},
		{"fatal", LevelFatal, false, nil, ErrFatalMismatch},
		{"fatal forced", LevelFatal, true, yes, ErrFatalMismatch},
		{"major forced", LevelMajor, true, no, nil},
		{"major confirmed", LevelMajor, false, yes, nil},
		{"major refused", LevelMajor, false, no, ErrAborted},
		{"major non interactive", LevelMajor, false, nil, ErrMismatch},
		{"minor refused", LevelMinor, false, no, ErrAborted},
		{"minor non interactive", LevelMinor, false, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Report{}
			if tt.level != LevelNone {
				r.add(tt.level, "finding", "", "")
			}
			err := r.Decide(tt.force, tt.confirm)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestReportLevel(t *testing.T) {
	r := &Report{}
	assert.Equal(t, LevelNone, r.Level())
	r.add(LevelMinor, "a", "", "")
	r.add(LevelFatal, "b", "", "")
	r.add(LevelMajor, "c", "", "")
	assert.Equal(t, LevelFatal, r.Level())
	assert.Equal(t, "fatal", r.Level().String())
	assert.Equal(t, "fatal: b", r.Findings[1].String())
	assert.Equal(t, "major: c (device 1, firmware 2)", Finding{Level: LevelMajor, Message: "c", Device: "1", Firmware: "2"}.String())
}
