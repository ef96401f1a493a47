package cmd

import (
	"github.com/spf13/cobra"

	"github.com/harp-tech/harp-regulator/pkg/device"
)

var (
	listJSON            bool
	listAll             bool
	listAllPorts        bool
	listAllowConnect    bool
	listAllowConnectAll bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Display Harp devices connected to this system",
	Long: `Display information about Harp devices connected to this system.

By default only devices that positively identify as Harp devices are shown.
Older Harp devices do not always identify themselves; --all includes devices
that look like they could be Harp devices and --all-ports includes every
serial port.

--allow-connect reads missing metadata over the Harp protocol from devices
at or above the configured enumerate.connect_threshold. --allow-connect-all
connects to every serial port.

Examples:
  harp-regulator list
  harp-regulator list --all --allow-connect
  harp-regulator list --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listJSON, "json", false, "format the output using JSON")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include devices that might not be Harp devices")
	listCmd.Flags().BoolVar(&listAllPorts, "all-ports", false, "include every serial port")
	listCmd.Flags().BoolVar(&listAllowConnect, "allow-connect", false, "connect over the Harp protocol to fill in missing metadata")
	listCmd.Flags().BoolVar(&listAllowConnectAll, "allow-connect-all", false, "connect over the Harp protocol to every serial port")
}

func runList(cmd *cobra.Command, args []string) error {
	filter := device.ConfidenceHigh
	if listAll {
		filter = filter.DemoteTo(device.ConfidenceLow)
	}
	if listAllPorts {
		filter = filter.DemoteTo(device.ConfidenceZero)
	}

	var threshold *device.Confidence
	switch {
	case listAllowConnectAll:
		zero := device.ConfidenceZero
		threshold = &zero
	case listAllowConnect:
		configured, err := cfg.ConnectThreshold()
		if err != nil {
			return err
		}
		threshold = configured
	}
	// Devices that will be filtered out are not worth connecting to.
	if threshold != nil && *threshold < filter {
		threshold = &filter
	}

	devices, err := enumerate(cmd.Context(), threshold)
	if err != nil {
		return err
	}

	if listJSON {
		visible := device.AtLeast(devices, filter)
		if visible == nil {
			visible = []device.Device{}
		}
		return writeJSON(cmd.OutOrStdout(), visible)
	}
	writeDevices(cmd.OutOrStdout(), devices, filter)
	return nil
}
