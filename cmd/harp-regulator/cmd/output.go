package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/harp-tech/harp-regulator/pkg/device"
)

// writeDevices prints devices with at least filter confidence as a table.
func writeDevices(w io.Writer, devices []device.Device, filter device.Confidence) {
	rows := [][]string{{"Port", "Serial", "Kind", "Status", "WhoAmI", "Description", "Firmware"}}
	for _, d := range devices {
		if d.Confidence < filter {
			continue
		}
		rows = append(rows, []string{
			orNA(d.PortName),
			orNA(formatSerial(d.SerialNumber)),
			d.Kind.String(),
			stateLabel(d),
			orNA(formatWhoAmI(d.WhoAmI)),
			orNA(d.Description),
			orNA(formatVersion(d.FirmwareVersion)),
		})
	}

	if len(rows) == 1 {
		fmt.Fprintln(w, "No Harp devices found.")
		viable := 0
		for _, d := range devices {
			if d.Confidence > device.ConfidenceZero && d.Confidence < filter {
				viable++
			}
		}
		if viable > 0 {
			fmt.Fprintf(w, "%d potential Harp %s filtered out, try again with --all\n", viable, plural(viable, "device was", "devices were"))
		} else {
			fmt.Fprintf(w, "None of the %d serial %s connected to this system appear like they could possibly be Harp devices.\n", len(devices), plural(len(devices), "port", "ports"))
		}
		return
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, col := range row {
			widths[i] = max(widths[i], len(col))
		}
	}
	for n, row := range rows {
		var b strings.Builder
		b.WriteString("|")
		for i, col := range row {
			fmt.Fprintf(&b, " %-*s |", widths[i], col)
		}
		fmt.Fprintln(w, b.String())
		if n == 0 {
			b.Reset()
			b.WriteString("|")
			for _, width := range widths {
				b.WriteString(strings.Repeat("-", width+2) + "|")
			}
			fmt.Fprintln(w, b.String())
		}
	}
}

func stateLabel(d device.Device) string {
	switch {
	case d.State == device.StateDriverError:
		return "Driver Error"
	case d.State == device.StateUnknown && d.Confidence == device.ConfidenceZero:
		return "N/A"
	}
	return d.State.String()
}

func formatSerial(s *uint64) string {
	if s == nil {
		return ""
	}
	return strconv.FormatUint(*s, 16)
}

func formatWhoAmI(w *uint16) string {
	if w == nil {
		return ""
	}
	return strconv.Itoa(int(*w))
}

func formatVersion(v *device.Version) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// isInteractive reports whether stdin is a terminal.
func isInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// prompter asks yes/no questions on in and out.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// YesNo asks question until it gets an answer. End of input counts as def.
func (p *prompter) YesNo(question string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(p.out, "%s %s ", question, hint)
		line, err := p.in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		case "":
			return def
		}
		if err != nil {
			return def
		}
	}
}

// WaitForEnter returns true on an empty line and false on anything else.
func (p *prompter) WaitForEnter() bool {
	line, err := p.in.ReadString('\n')
	return err == nil && strings.TrimSpace(line) == ""
}
