package device

import (
	"strconv"
	"strings"
)

// TargetPicoboot selects every device waiting in BOOTSEL mode.
const TargetPicoboot = "PICOBOOT"

// SerialNumberPartialMatch reports whether the hex serial number of d starts
// or ends with partial, ignoring case. Harp registers only carry 16 bits of
// the 64 bit ID PICOBOOT reports, so either end may be what the user has.
func (d Device) SerialNumberPartialMatch(partial string) bool {
	if d.SerialNumber == nil || partial == "" {
		return false
	}
	serial := strconv.FormatUint(*d.SerialNumber, 16)
	partial = strings.ToLower(partial)
	return strings.HasPrefix(serial, partial) || strings.HasSuffix(serial, partial)
}

// MatchesTarget reports whether d is selected by a user supplied target: a
// port name, a partial serial number or TargetPicoboot.
func (d Device) MatchesTarget(target string) bool {
	if strings.EqualFold(target, TargetPicoboot) {
		return d.State == StateBootloader
	}
	if d.PortName != "" && strings.EqualFold(d.PortName, target) {
		return true
	}
	return d.SerialNumberPartialMatch(target)
}

// FilterFunc returns the devices for which keep is true.
func FilterFunc(devices []Device, keep func(Device) bool) []Device {
	var out []Device
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// Filter returns the devices matching target. See MatchesTarget.
func Filter(devices []Device, target string) []Device {
	return FilterFunc(devices, func(d Device) bool { return d.MatchesTarget(target) })
}

// AtLeast returns the devices with at least confidence c.
func AtLeast(devices []Device, c Confidence) []Device {
	return FilterFunc(devices, func(d Device) bool { return d.Confidence >= c })
}
