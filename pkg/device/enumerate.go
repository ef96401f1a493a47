package device

import (
	"cmp"
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/harp"
)

// Discoverer finds attached devices of one kind.
type Discoverer interface {
	Discover(ctx context.Context) ([]Device, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) ([]Device, error)

func (f DiscovererFunc) Discover(ctx context.Context) ([]Device, error) { return f(ctx) }

// PortLister lists the names of every serial port on the system.
type PortLister interface {
	ListPorts() ([]string, error)
}

// SourceSerialPort is the Source of devices only known as a serial port.
const SourceSerialPort = "serial"

// EnumerateOptions controls Enumerate.
type EnumerateOptions struct {
	Discoverers []Discoverer
	Ports       PortLister

	// ConnectThreshold, when set, fills in missing metadata of devices with a
	// serial port and at least this confidence over the Harp protocol.
	ConnectThreshold *Confidence
	Opener           harp.Opener
}

// Enumerate lists attached devices. Discoverer failures are logged and
// skipped; only cancellation of ctx is returned as an error.
func Enumerate(ctx context.Context, opts EnumerateOptions) ([]Device, error) {
	var devices []Device
	for _, disc := range opts.Discoverers {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		found, err := disc.Discover(ctx)
		if err != nil {
			log.Warn().Err(err).Msgf("device discovery with %T failed", disc)
		}
		devices = append(devices, found...)
	}

	if opts.Ports != nil {
		ports, err := opts.Ports.ListPorts()
		if err != nil {
			log.Warn().Err(err).Msg("could not list serial ports")
		}
		seen := make(map[string]bool, len(devices))
		for _, d := range devices {
			if d.PortName != "" {
				seen[d.PortName] = true
			}
		}
		slices.Sort(ports)
		for _, port := range slices.Compact(ports) {
			if !seen[port] {
				d := New(SourceSerialPort)
				d.PortName = port
				devices = append(devices, d)
			}
		}
	}

	if opts.ConnectThreshold == nil || opts.Opener == nil {
		return devices, nil
	}

	// Most promising devices first.
	order := make([]int, 0, len(devices))
	for i, d := range devices {
		if d.PortName != "" && d.Confidence >= *opts.ConnectThreshold {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(devices[b].Confidence, devices[a].Confidence)
	})

	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		log.Debug().Str("port", devices[i].PortName).Msg("populating metadata via Harp registers")
		devices[i] = devices[i].WithHarpPort(opts.Opener)
	}
	return devices, nil
}
