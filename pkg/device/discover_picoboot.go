package device

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

// PicobootDiscoverer finds Pico devices in BOOTSEL mode and opens a PICOBOOT
// session with each one. Sessions are tracked by Manager and stay open on the
// returned records.
type PicobootDiscoverer struct {
	Manager *picoboot.Manager
	Options []picoboot.Option

	// Find and Open default to picoboot.DiscoverBootsel and picoboot.Open.
	Find func(ctx context.Context) ([]picoboot.USBDeviceInfo, error)
	Open func(info picoboot.USBDeviceInfo, opts ...picoboot.Option) (*picoboot.Device, error)
}

func (p PicobootDiscoverer) Discover(ctx context.Context) ([]Device, error) {
	find, open := p.Find, p.Open
	if find == nil {
		find = picoboot.DiscoverBootsel
	}
	if open == nil {
		open = picoboot.Open
	}

	infos, err := find(ctx)
	if err != nil && len(infos) == 0 {
		return nil, err
	}

	opts := p.Options
	if p.Manager != nil {
		opts = append(append([]picoboot.Option(nil), opts...), picoboot.WithManager(p.Manager))
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{
			Confidence: ConfidenceLow,
			Kind:       KindPico,
			State:      StateBootloader,
			Source:     "PICOBOOT USB device " + info.Label(),
		}

		session, err := open(info, opts...)
		if err != nil {
			log.Warn().Err(err).Str("device", info.Label()).Msg("could not open PICOBOOT session")
			d.State = StateDriverError
			devices = append(devices, d)
			continue
		}
		if d, err = d.WithPicoboot(session); err != nil {
			log.Warn().Err(err).Str("device", info.Label()).Msg("could not attach PICOBOOT session")
		}
		devices = append(devices, d)
	}
	return devices, err
}
