package upload

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/harp"
)

// ConnectPolicy controls whether Finder may talk to devices over the Harp
// protocol while looking for its target.
type ConnectPolicy int

const (
	// ConnectAsk consults Finder.Ask once before the first connection.
	ConnectAsk ConnectPolicy = iota
	ConnectNever
	ConnectAllowed
)

// ErrNoDevices is returned by Finder when nothing attached looks like it
// could be a Harp device.
var ErrNoDevices = errors.New("upload: nothing connected to this system looks like it could be a Harp device")

// NoMatchError is returned by Finder when no device matches the target.
type NoMatchError struct {
	Target  string
	Devices []device.Device
	// Connected is set when devices were probed over Harp before giving up.
	Connected bool
}

func (e *NoMatchError) Error() string {
	if e.Connected {
		return fmt.Sprintf("upload: no device matched %q after connecting to %d candidates", e.Target, len(e.Devices))
	}
	return fmt.Sprintf("upload: none of %d devices matched %q", len(e.Devices), e.Target)
}

// Finder resolves a user supplied target against enumerated devices.
type Finder struct {
	Target  string
	Connect ConnectPolicy
	// Ask is called with the devices found so far. A nil Ask under ConnectAsk
	// behaves like ConnectNever.
	Ask    func(devices []device.Device) bool
	Opener harp.Opener
}

// Find returns the single device matching f.Target along with the possibly
// updated device list. When nothing matches, devices with a serial port are
// queried over Harp, High confidence first, then Low, then Zero, until a level
// yields new information.
func (f *Finder) Find(devices []device.Device) (device.Device, []device.Device, error) {
	devices = slices.Clone(devices)
	level := device.Confidence(-1)

	for {
		matches := device.Filter(devices, f.Target)
		switch {
		case len(matches) == 1:
			return matches[0], devices, nil
		case len(matches) > 1:
			return device.Device{}, devices, &AmbiguousError{What: fmt.Sprintf("target %q", f.Target), Devices: matches}
		case len(devices) == 0:
			return device.Device{}, devices, ErrNoDevices
		}

		helpful := slices.ContainsFunc(devices, func(d device.Device) bool {
			return d.PortName != "" && (d.State == device.StateOnline || d.State == device.StateUnknown)
		})

		for updated := 0; updated == 0; {
			if level == device.ConfidenceZero || !helpful || !f.mayConnect() {
				return device.Device{}, devices, &NoMatchError{Target: f.Target, Devices: devices, Connected: level >= 0}
			}
			if level < 0 && f.Connect == ConnectAsk && !f.Ask(devices) {
				return device.Device{}, devices, ErrAborted
			}

			if level < 0 {
				level = device.ConfidenceHigh
			} else {
				level--
			}
			log.Debug().Stringer("confidence", level).Msg("no matching device, connecting for more information")

			for i, d := range devices {
				if d.PortName == "" || d.Confidence != level {
					continue
				}
				if nd := d.WithHarpPort(f.Opener); !reflect.DeepEqual(nd, d) {
					devices[i] = nd
					updated++
				}
			}
			log.Debug().Int("updated", updated).Msg("devices updated")
		}
	}
}

func (f *Finder) mayConnect() bool {
	if f.Opener == nil {
		return false
	}
	switch f.Connect {
	case ConnectAllowed:
		return true
	case ConnectAsk:
		return f.Ask != nil
	}
	return false
}
