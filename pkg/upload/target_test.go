package upload

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/harp"
)

type portOpener struct {
	ports  map[string]*fakeHarp
	opened []string
}

func (o *portOpener) Open(portName string) (*harp.Conn, error) {
	o.opened = append(o.opened, portName)
	dev, ok := o.ports[portName]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file or directory", portName)
	}
	return harp.NewConn(dev, 50*time.Millisecond), nil
}

func harpBoard(serial uint16) *fakeHarp {
	return &fakeHarp{reads: map[harp.CommonRegister]reply{
		harp.RegWhoAmI:           u16(1152),
		harp.RegFirmwareVersionH: u8(1),
		harp.RegFirmwareVersionL: u8(0),
		harp.RegDeviceName:       u8([]byte("ClockSync\x00")...),
		harp.RegSerialNumber:     u16(serial),
	}}
}

func serialDevices() []device.Device {
	return []device.Device{
		{Confidence: device.ConfidenceLow, Kind: device.KindPico, State: device.StateOnline, PortName: "COM3", Source: "usb"},
		{Confidence: device.ConfidenceZero, State: device.StateUnknown, PortName: "COM4", Source: device.SourceSerialPort},
	}
}

func TestFinderDirectMatch(t *testing.T) {
	devices := serialDevices()
	f := &Finder{Target: "com4", Connect: ConnectNever}
	got, all, err := f.Find(devices)
	require.NoError(t, err)
	assert.Equal(t, "COM4", got.PortName)
	assert.Equal(t, devices, all)
}

func TestFinderAmbiguous(t *testing.T) {
	devices := []device.Device{picoBootsel(0x1111), picoBootsel(0x2222)}
	f := &Finder{Target: device.TargetPicoboot}
	_, _, err := f.Find(devices)
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.Len(t, ambiguous.Devices, 2)
}

func TestFinderNoDevices(t *testing.T) {
	f := &Finder{Target: "COM3", Connect: ConnectAllowed, Opener: &portOpener{}}
	_, _, err := f.Find(nil)
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestFinderConnectNever(t *testing.T) {
	opener := &portOpener{ports: map[string]*fakeHarp{"COM3": harpBoard(0x1234)}}
	f := &Finder{Target: "1234", Connect: ConnectNever, Opener: opener}
	_, _, err := f.Find(serialDevices())

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.False(t, noMatch.Connected)
	assert.Len(t, noMatch.Devices, 2)
	assert.Empty(t, opener.opened)
}

func TestFinderConnectsByConfidence(t *testing.T) {
	opener := &portOpener{ports: map[string]*fakeHarp{
		"COM3": harpBoard(0x1234),
		"COM4": harpBoard(0x5678),
	}}
	f := &Finder{Target: "1234", Connect: ConnectAllowed, Opener: opener}
	devices := serialDevices()

	got, all, err := f.Find(devices)
	require.NoError(t, err)
	assert.Equal(t, "COM3", got.PortName)
	assert.Equal(t, ptr[uint16](1152), got.WhoAmI)
	assert.Equal(t, device.ConfidenceHigh, got.Confidence)
	assert.Equal(t, []string{"COM3"}, opener.opened, "Zero confidence ports are left alone once a match is found")

	assert.Equal(t, got, all[0])
	assert.Nil(t, devices[0].WhoAmI, "input slice is not modified")
}

func TestFinderExhaustsLevels(t *testing.T) {
	opener := &portOpener{ports: map[string]*fakeHarp{"COM3": harpBoard(0x1234)}}
	f := &Finder{Target: "beef", Connect: ConnectAllowed, Opener: opener}

	_, all, err := f.Find(serialDevices())
	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.True(t, noMatch.Connected)
	assert.Equal(t, []string{"COM3", "COM4"}, opener.opened)
	assert.Equal(t, ptr[uint64](0x1234), all[0].SerialNumber)
}

func TestFinderAsk(t *testing.T) {
	opener := &portOpener{ports: map[string]*fakeHarp{"COM3": harpBoard(0x1234)}}

	asked := 0
	f := &Finder{Target: "1234", Connect: ConnectAsk, Opener: opener, Ask: func(devices []device.Device) bool {
		asked++
		assert.Len(t, devices, 2)
		return false
	}}
	_, _, err := f.Find(serialDevices())
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, asked)
	assert.Empty(t, opener.opened)

	f.Ask = func([]device.Device) bool { asked++; return true }
	got, _, err := f.Find(serialDevices())
	require.NoError(t, err)
	assert.Equal(t, "COM3", got.PortName)
	assert.Equal(t, 2, asked)

	f.Ask = nil
	opener.opened = nil
	_, _, err = f.Find(serialDevices())
	var noMatch *NoMatchError
	assert.ErrorAs(t, err, &noMatch)
	assert.Empty(t, opener.opened)
}

func TestFinderNothingToConnect(t *testing.T) {
	opener := &portOpener{}
	f := &Finder{Target: "1234", Connect: ConnectAllowed, Opener: opener}
	_, _, err := f.Find([]device.Device{picoBootsel(0x5678)})

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.False(t, noMatch.Connected)
	assert.Empty(t, opener.opened)
}
