package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/uf2"
	"github.com/harp-tech/harp-regulator/pkg/upload"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <firmware.uf2>",
	Short: "Show information about a firmware file",
	Long: `Show the device families, address ranges and embedded Pico SDK program
information of a UF2 firmware file, and whether it identifies as Harp device
firmware.

Examples:
  harp-regulator inspect firmware.uf2
  harp-regulator inspect firmware.uf2 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "format the output using JSON")
}

// familyInfo is what inspect reports for one family of a UF2 file.
type familyInfo struct {
	AddressRange pico.AddressRange  `json:"addressRange"`
	FlashRange   *pico.AddressRange `json:"flashRange,omitempty"`
	MemoryTypes  []pico.MemoryType  `json:"memoryTypes,omitempty"`
	FirmwareInfo *pico.FirmwareInfo `json:"picoFirmwareInfo,omitempty"`
	HarpInfo     *device.Device     `json:"harpInfo,omitempty"`
}

func inspectFamily(file *uf2.File, family uf2.Family) (familyInfo, error) {
	view, err := uf2.NewView(file, family)
	if err != nil {
		return familyInfo{}, err
	}

	info := familyInfo{AddressRange: view.Range()}
	if r := view.UsedFlashRange(); !r.Empty() {
		info.FlashRange = &r
	}

	if !family.IsPico() {
		if family == uf2.FamilyAbsolute || family == uf2.FamilyData {
			log.Debug().Msgf("'%v'-family blobs cannot contain Harp metadata", family)
		} else {
			log.Debug().Msgf("not sure how to read Harp metadata from non-Pico device family '%v'", family)
		}
		return info, nil
	}

	info.MemoryTypes = view.MemoryTypes()
	fw, fi := upload.FirmwareDevice(view)
	info.FirmwareInfo = &fi
	if fi.HaveInfo() {
		info.HarpInfo = &fw
	} else {
		log.Debug().Msg("could not read any Pico firmware information")
	}
	return info, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	file, err := readFirmware(path)
	if err != nil {
		return err
	}
	families := file.FamilyIDs()

	if inspectJSON {
		infos := make(map[string]familyInfo, len(families))
		for _, family := range families {
			info, err := inspectFamily(file, family)
			if err != nil {
				return err
			}
			infos[family.String()] = info
		}
		return writeJSON(out, infos)
	}

	first := true
	if len(families) > 1 || verbose {
		first = false
		fmt.Fprintf(out, "'%s' is a UF2 file containing %d blocks for the following device families:\n", path, len(file.Blocks))
		for _, family := range families {
			fmt.Fprintf(out, "* %v\n", family)
		}
	}

	for _, family := range families {
		log.Debug().Str("file", path).Msgf("processing family '%v'", family)
		info, err := inspectFamily(file, family)
		if err != nil {
			return err
		}
		if !first {
			fmt.Fprintln(out)
			fmt.Fprintln(out, strings.Repeat("=", 80))
		}
		first = false
		writeFamilyInfo(out, path, family, info)
	}
	return nil
}

func writeFamilyInfo(w io.Writer, path string, family uf2.Family, info familyInfo) {
	if d := info.HarpInfo; d != nil && d.IsHarp() {
		fmt.Fprintf(w, "'%s' data for '%v' is Harp device firmware:\n", path, family)
		fmt.Fprintf(w, "         WhoAmI: %s\n", orNA(formatWhoAmI(d.WhoAmI)))
		fmt.Fprintf(w, "    Description: %s\n", orNA(d.Description))
		fmt.Fprintf(w, "        Version: %s\n", orNA(formatVersion(d.FirmwareVersion)))
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Raw firmware info:")
	} else {
		fmt.Fprintf(w, "'%s' data for '%v' is not identified explicitly as Harp device firmware.\n", path, family)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Raw Pico SDK firmware info:")
	}

	var fi pico.FirmwareInfo
	if info.FirmwareInfo != nil {
		fi = *info.FirmwareInfo
	}
	fmt.Fprintf(w, "    Program name: %s\n", orNA(fi.ProgramName))
	fmt.Fprintf(w, "     Description: %s\n", orNA(fi.Description))
	fmt.Fprintf(w, "         Version: %s\n", orNA(fi.Version))
	if info.FlashRange != nil {
		fmt.Fprintf(w, "      Flash size: %s - %v\n", humanize.IBytes(uint64(info.FlashRange.Size())), *info.FlashRange)
	} else {
		fmt.Fprintln(w, "      Flash size: None")
	}
}

// readFirmware loads a UF2 file with a friendlier error for other formats.
func readFirmware(path string) (*uf2.File, error) {
	file, err := uf2.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("file '%s' does not exist", path)
	case err == nil:
		return file, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".uf2":
		return nil, fmt.Errorf("'%s' does not appear to be a valid UF2 file: %w", path, err)
	case ".hex", ".mcs", ".int", ".ihex", ".ihe", ".ihx":
		return nil, fmt.Errorf("Intel HEX files are not supported")
	}
	return nil, fmt.Errorf("'%s' does not seem to be a supported format: %w", path, err)
}
