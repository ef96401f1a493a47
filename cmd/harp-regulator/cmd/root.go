package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harp-tech/harp-regulator/internal/config"
	"github.com/harp-tech/harp-regulator/internal/logging"
	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg      = config.Default()
	sessions = picoboot.NewManager()

	// enumerate lists attached devices. Tests replace it.
	enumerate = enumerateDevices

	// bootselSettle is how long a device gets to come back in BOOTSEL mode.
	bootselSettle = time.Second
)

var rootCmd = &cobra.Command{
	Use:   "harp-regulator",
	Short: "Harp device discovery and firmware update tool",
	Long: `Harp Regulator finds Harp devices connected to this system and updates the
firmware of Pico based devices over PICOBOOT.

Examples:
  harp-regulator list                                  # List Harp devices
  harp-regulator list --all --allow-connect            # Include unidentified serial ports
  harp-regulator inspect firmware.uf2                  # Show what a firmware file contains
  harp-regulator upload firmware.uf2 --target COM3     # Update the device on COM3
  harp-regulator upload firmware.uf2 --target picoboot # Update the device in BOOTSEL mode`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, verbose)
	},
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if cerr := sessions.CloseAll(); cerr != nil {
		log.Warn().Err(cerr).Msg("could not close PICOBOOT sessions")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "configuration file")
}

// enumerateDevices lists every serial port and BOOTSEL device. A non-nil
// threshold fills in metadata over the Harp protocol.
func enumerateDevices(ctx context.Context, threshold *device.Confidence) ([]device.Device, error) {
	opts, err := cfg.PicobootOptions()
	if err != nil {
		return nil, err
	}
	return device.Enumerate(ctx, device.EnumerateOptions{
		Discoverers: []device.Discoverer{
			device.SerialDiscoverer{},
			device.PicobootDiscoverer{Manager: sessions, Options: opts},
		},
		Ports:            device.SerialPortLister{},
		ConnectThreshold: threshold,
		Opener:           cfg.Opener(),
	})
}
