package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/upload"
)

var (
	uploadTarget        string
	uploadForce         bool
	uploadNoReboot      bool
	uploadNoUpload      bool
	uploadAllowConnect  bool
	uploadNoConnect     bool
	uploadInteractive   bool
	uploadNoInteractive bool
	uploadProgress      bool
	uploadNoProgress    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <firmware.uf2> --target <device>",
	Short: "Upload firmware to a specific device",
	Long: `Upload a UF2 firmware file to a Pico based Harp device.

<device> can be one of the following:
  A serial port, for example COM3 or /dev/ttyACM0
  A device serial number in hex. Partial serial numbers match by prefix or suffix.
  "picoboot" for the only device already in BOOTSEL mode

Devices running firmware are switched into BOOTSEL mode through the Harp
firmware update registers. The firmware is checked against the device before
anything is written; --force uploads even when it does not match.

Examples:
  harp-regulator upload firmware.uf2 --target COM3
  harp-regulator upload firmware.uf2 --target e66038b7 --allow-connect
  harp-regulator upload firmware.uf2 --target picoboot --no-reboot`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.StringVarP(&uploadTarget, "target", "t", "", "serial port, serial number or \"picoboot\"")
	f.BoolVar(&uploadForce, "force", false, "upload even if the firmware does not seem to match the device")
	f.BoolVar(&uploadNoReboot, "no-reboot", false, "do not reboot into the firmware once uploaded")
	f.BoolVar(&uploadNoUpload, "no-upload", false, "do not actually write the firmware")
	f.BoolVar(&uploadAllowConnect, "allow-connect", false, "connect to devices over the Harp protocol when searching for the target")
	f.BoolVar(&uploadNoConnect, "no-connect", false, "never connect to devices when searching for the target")
	f.BoolVar(&uploadInteractive, "interactive", false, "prompt for decisions (default when stdin is a terminal)")
	f.BoolVar(&uploadNoInteractive, "no-interactive", false, "never prompt")
	f.BoolVar(&uploadProgress, "progress", false, "show upload progress (default when interactive)")
	f.BoolVar(&uploadNoProgress, "no-progress", false, "hide upload progress")

	uploadCmd.MarkFlagRequired("target")
	uploadCmd.MarkFlagsMutuallyExclusive("allow-connect", "no-connect")
	uploadCmd.MarkFlagsMutuallyExclusive("interactive", "no-interactive")
	uploadCmd.MarkFlagsMutuallyExclusive("progress", "no-progress")
}

// uploader carries the state of one upload command.
type uploader struct {
	ctx         context.Context
	out, errOut io.Writer
	prompt      *prompter
	interactive bool
	force       bool
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]

	interactive := isInteractive()
	switch {
	case uploadInteractive:
		interactive = true
	case uploadNoInteractive:
		interactive = false
	}
	showProgress := interactive
	switch {
	case uploadProgress:
		showProgress = true
	case uploadNoProgress:
		showProgress = false
	}

	u := &uploader{
		ctx:         cmd.Context(),
		out:         cmd.OutOrStdout(),
		errOut:      cmd.ErrOrStderr(),
		prompt:      newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
		interactive: interactive,
		force:       uploadForce,
	}

	file, err := readFirmware(path)
	if err != nil {
		return err
	}

	devices, err := enumerate(u.ctx, nil)
	if err != nil {
		return err
	}
	dev, devices, err := u.findTarget(devices)
	if err != nil {
		return err
	}

	fmt.Fprintln(u.out, "Found target device!")
	writeDevices(u.out, []device.Device{dev}, device.ConfidenceZero)
	fmt.Fprintln(u.out)

	if dev.Kind != device.KindPico {
		return errors.New("only Pico based devices can be updated")
	}

	view, err := upload.SelectView(file)
	if err != nil {
		var ambiguous *upload.AmbiguousFamilyError
		if errors.As(err, &ambiguous) {
			fmt.Fprintf(u.errOut, "'%s' contains multiple family IDs which could be applicable to this device:\n", path)
			for _, family := range ambiguous.Families {
				fmt.Fprintf(u.errOut, "* %v\n", family)
			}
		}
		return err
	}

	startedOnline := dev.State == device.StateOnline || dev.State == device.StateUnknown
	if startedOnline {
		if dev, err = u.switchToBootloader(dev); err != nil {
			return err
		}
	}

	if dev.State == device.StateDriverError {
		return errors.New("cannot communicate with the device, its driver is in an erroneous state")
	}
	if dev.Session == nil {
		return errors.New("cannot communicate with the device, no PICOBOOT session was opened (--verbose may provide more details)")
	}
	session := dev.Session

	report, err := upload.Verify(dev, session, view)
	if err != nil {
		return err
	}
	if _, err := report.WriteTo(u.out); err != nil {
		return err
	}
	fmt.Fprintln(u.out)

	var confirm upload.Confirm
	if u.interactive {
		confirm = func(prompt string) bool { return u.prompt.YesNo(prompt, false) }
	}
	if err := report.Decide(u.force, confirm); err != nil {
		if startedOnline {
			log.Debug().Msg("rebooting the device back into its firmware")
			if rerr := session.Reboot(0); rerr != nil {
				log.Warn().Err(rerr).Msg("could not reboot the device")
			}
		}
		return err
	}

	opts := []upload.Option{
		upload.WithChunkSize(cfg.Upload.ChunkSize),
		upload.WithReboot(!uploadNoReboot),
	}
	if uploadNoUpload {
		opts = append(opts, upload.WithoutWrite())
		fmt.Fprintln(u.out, "Firmware upload skipped!")
	} else {
		fmt.Fprintln(u.out, "Uploading firmware...")
	}
	if showProgress {
		opts = append(opts, upload.WithProgressCallback(progressPrinter(u.out)))
	}
	if err := upload.Upload(u.ctx, session, view, opts...); err != nil {
		return err
	}

	if err := session.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close PICOBOOT session")
	}
	fmt.Fprintf(u.out, "Finished uploading '%s' to device matching '%s'\n", path, uploadTarget)
	return nil
}

func (u *uploader) findTarget(devices []device.Device) (device.Device, []device.Device, error) {
	finder := &upload.Finder{
		Target: uploadTarget,
		Opener: cfg.Opener(),
	}
	switch {
	case uploadAllowConnect:
		finder.Connect = upload.ConnectAllowed
	case uploadNoConnect || !u.interactive:
		finder.Connect = upload.ConnectNever
	default:
		finder.Connect = upload.ConnectAsk
		finder.Ask = func(devices []device.Device) bool {
			fmt.Fprintf(u.out, "Failed to find any devices matching the target filter '%s' out of the following:\n", uploadTarget)
			writeDevices(u.out, devices, device.ConfidenceZero)
			fmt.Fprintln(u.out)
			return u.prompt.YesNo("Do you want to try connecting to devices to attempt to find the target?", false)
		}
	}

	dev, devices, err := finder.Find(devices)
	var noMatch *upload.NoMatchError
	var ambiguous *upload.AmbiguousError
	switch {
	case errors.As(err, &noMatch):
		if noMatch.Connected {
			fmt.Fprintln(u.errOut, "Failed to discover any more details from any of the following devices.")
		} else {
			fmt.Fprintf(u.errOut, "None of the following devices matched the filter '%s':\n", uploadTarget)
		}
		writeDevices(u.errOut, noMatch.Devices, device.ConfidenceZero)
		fmt.Fprintln(u.errOut)
	case errors.As(err, &ambiguous):
		fmt.Fprintf(u.errOut, "Target filter '%s' is ambiguous and matches multiple devices, listed below.\n", uploadTarget)
		writeDevices(u.errOut, ambiguous.Devices, device.ConfidenceZero)
		fmt.Fprintln(u.errOut)
	}
	return dev, devices, err
}

// switchToBootloader asks dev to reboot into BOOTSEL mode and finds it again.
func (u *uploader) switchToBootloader(dev device.Device) (device.Device, error) {
	dev, err := u.requestBootloader(dev)
	if err != nil {
		fmt.Fprintln(u.errOut, "Could not automatically place the device into bootloader mode!")
		fmt.Fprintln(u.errOut, err)
		if !u.interactive {
			return dev, err
		}
		fmt.Fprintln(u.out, "Manually place the device into BOOTSEL mode and press Enter to continue, or type anything else to abort.")
		if !u.prompt.WaitForEnter() {
			return dev, upload.ErrAborted
		}
	}

	// Existing sessions must be released before the device list is rebuilt.
	if err := sessions.CloseAll(); err != nil {
		log.Warn().Err(err).Msg("could not close PICOBOOT sessions")
	}

	fmt.Fprintln(u.out, "Finding device again now that it's in BOOTSEL mode...")
	select {
	case <-u.ctx.Done():
		return dev, u.ctx.Err()
	case <-time.After(bootselSettle):
	}

	devices, err := enumerate(u.ctx, nil)
	if err != nil {
		return dev, err
	}
	found, err := upload.FindBootsel(devices, dev.SerialNumber)

	var mismatch *upload.SerialMismatchError
	var ambiguous *upload.AmbiguousError
	switch {
	case errors.As(err, &mismatch):
	case errors.As(err, &ambiguous):
		fmt.Fprintf(u.errOut, "Could not tell which %s to update:\n", ambiguous.What)
		writeDevices(u.errOut, ambiguous.Devices, device.ConfidenceZero)
		fmt.Fprintln(u.errOut)
		return dev, err
	case errors.Is(err, upload.ErrDriverState):
		fmt.Fprintln(u.errOut, "One or more devices has a driver in an erroneous state.")
		return dev, err
	case err != nil:
		return dev, err
	}

	fmt.Fprintln(u.out, "Found BOOTSEL device after reboot:")
	writeDevices(u.out, []device.Device{found}, device.ConfidenceZero)
	fmt.Fprintln(u.out)

	if mismatch != nil {
		fmt.Fprintln(u.errOut, mismatch)
		switch {
		case u.force:
			fmt.Fprintln(u.out, "Force mode enabled, discrepancy ignored.")
		case !u.interactive || !u.prompt.YesNo("Continue anyway despite this discrepancy?", false):
			return found, upload.ErrAborted
		}
	}
	return found, nil
}

// requestBootloader connects to dev over the Harp protocol, refreshes what is
// known about it and asks it to reboot into BOOTSEL mode.
func (u *uploader) requestBootloader(dev device.Device) (device.Device, error) {
	if dev.PortName == "" {
		return dev, errors.New("could not determine the serial port associated with the device")
	}
	conn, err := cfg.Opener().Open(dev.PortName)
	if err != nil {
		return dev, err
	}
	defer conn.Close()

	updated := dev.WithHarpProtocol(conn)
	if !reflect.DeepEqual(updated, dev) {
		fmt.Fprintln(u.out, "Got more info about device via Harp protocol:")
		writeDevices(u.out, []device.Device{updated}, device.ConfidenceZero)
		fmt.Fprintln(u.out)
	}

	fmt.Fprintln(u.out, "Instructing device to reboot into BOOTSEL mode...")
	return updated, upload.RequestBootloader(conn)
}

// progressPrinter reports upload progress one line per region and phase.
func progressPrinter(w io.Writer) upload.ProgressCallback {
	var last upload.Progress
	return func(p upload.Progress) {
		switch p.Phase {
		case upload.PhaseErase:
			fmt.Fprintf(w, "Erasing %v - %s...\n", p.Region, humanize.IBytes(uint64(p.Region.Size())))
		case upload.PhaseWrite:
			if p.Region != last.Region || last.Phase != upload.PhaseWrite {
				fmt.Fprintf(w, "Writing %s region %v - %s...\n", p.Memory.FriendlyName(), p.Region, humanize.IBytes(uint64(p.Region.Size())))
			}
			fmt.Fprintf(w, "\r  %s / %s (%.0f%%)", humanize.IBytes(p.BytesWritten), humanize.IBytes(p.TotalBytes), p.Percentage)
			if p.RegionWritten == p.Region.Size() {
				fmt.Fprintln(w)
			}
		case upload.PhaseReboot:
			fmt.Fprintln(w, "Rebooting device...")
		case upload.PhaseComplete:
			fmt.Fprintf(w, "Upload completed in %.2f seconds\n", p.ElapsedTime.Seconds())
		}
		last = p
	}
}
