// Package upload checks that firmware suits a device and writes it over
// PICOBOOT.
package upload

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// Level grades a compatibility finding.
type Level int

const (
	LevelNone Level = iota
	// LevelMinor findings are ignored when running non-interactively.
	LevelMinor
	// LevelMajor findings stop the upload unless forced or confirmed.
	LevelMajor
	// LevelFatal findings always stop the upload.
	LevelFatal
)

var levelNames = [...]string{"none", "minor", "major", "fatal"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

var (
	ErrFatalMismatch = errors.New("upload: firmware cannot be used on this device")
	ErrMismatch      = errors.New("upload: firmware does not match the device")
	ErrAborted       = errors.New("upload: aborted")
)

// Finding is one discrepancy between a device and a firmware image.
type Finding struct {
	Level    Level  `json:"level"`
	Message  string `json:"message"`
	Device   string `json:"device,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

func (f Finding) String() string {
	if f.Device == "" && f.Firmware == "" {
		return fmt.Sprintf("%v: %s", f.Level, f.Message)
	}
	return fmt.Sprintf("%v: %s (device %s, firmware %s)", f.Level, f.Message, f.Device, f.Firmware)
}

// Report is the outcome of Verify.
type Report struct {
	Device   device.Device `json:"device"`
	Firmware device.Device `json:"firmware"`

	DeviceModel   pico.Model `json:"deviceModel"`
	FirmwareModel pico.Model `json:"firmwareModel"`

	// DeviceFlash is empty when the flash size could not be determined.
	DeviceFlash   pico.AddressRange `json:"deviceFlash"`
	FirmwareFlash pico.AddressRange `json:"firmwareFlash"`

	Findings []Finding `json:"findings,omitempty"`
}

func (r *Report) add(level Level, message, dev, fw string) {
	r.Findings = append(r.Findings, Finding{Level: level, Message: message, Device: dev, Firmware: fw})
}

// Level is the most severe finding.
func (r *Report) Level() Level {
	level := LevelNone
	for _, f := range r.Findings {
		level = max(level, f.Level)
	}
	return level
}

// Confirm asks the user whether to continue.
type Confirm func(prompt string) bool

// Decide returns nil when the upload may go ahead. Fatal findings always stop
// it. Otherwise force wins, then confirm when set; without either, major
// findings stop the upload and minor ones are ignored.
func (r *Report) Decide(force bool, confirm Confirm) error {
	level := r.Level()
	switch {
	case level == LevelNone:
		return nil
	case level == LevelFatal:
		return ErrFatalMismatch
	case force:
		log.Warn().Stringer("level", level).Msg("force mode enabled, ignoring discrepancies")
		return nil
	case confirm != nil:
		if confirm("Continue with the firmware upload despite the above discrepancies?") {
			return nil
		}
		return ErrAborted
	case level == LevelMajor:
		return ErrMismatch
	}
	log.Info().Msg("not interactive, ignoring minor discrepancies")
	return nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func flashSummary(r pico.AddressRange, empty string) string {
	if r.Empty() {
		return empty
	}
	return fmt.Sprintf("%s - %v", humanize.IBytes(uint64(r.Size())), r)
}

func characteristics(w io.Writer, title string, d device.Device, model pico.Model, flash pico.AddressRange, noFlash string) {
	fmt.Fprintf(w, "%s:\n", title)
	whoAmI, version := "", ""
	if d.WhoAmI != nil {
		whoAmI = fmt.Sprint(*d.WhoAmI)
	}
	if d.FirmwareVersion != nil {
		version = d.FirmwareVersion.String()
	}
	fmt.Fprintf(w, "         WhoAmI: %s\n", orNA(whoAmI))
	fmt.Fprintf(w, "    Description: %s\n", orNA(d.Description))
	fmt.Fprintf(w, "        Version: %s\n", orNA(version))
	fmt.Fprintf(w, "    Device kind: %v\n", d.Kind)
	fmt.Fprintf(w, "     Pico model: %s\n", model)
	fmt.Fprintf(w, "     Flash size: %s\n", flashSummary(flash, noFlash))
}

// WriteTo prints both sets of characteristics followed by the findings.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	characteristics(cw, "Physical device characteristics", r.Device, r.DeviceModel, r.DeviceFlash, "Unknown")
	fmt.Fprintln(cw)
	characteristics(cw, "Firmware characteristics", r.Firmware, r.FirmwareModel, r.FirmwareFlash, "None")

	if r.DeviceFlash.Empty() {
		fmt.Fprintln(cw, "\nCould not determine the size of the device's flash storage! It will not be validated.")
	}
	for _, f := range r.Findings {
		fmt.Fprintf(cw, "\n%s\n", f.Message)
		if f.Device != "" || f.Firmware != "" {
			fmt.Fprintf(cw, "      Device: %s\n    Firmware: %s\n", f.Device, f.Firmware)
		}
		if f.Level == LevelFatal {
			fmt.Fprintln(cw, "(This error is non-recoverable)")
		}
	}
	if len(r.Findings) == 0 {
		fmt.Fprintln(cw, "\nEverything checks out!")
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
