//go:build linux

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List video capture devices",
		Long:  `Lists V4L2 capture devices with their stable id and how each one delivers H.264 (native frames, muxed in MJPEG, or not at all).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := v4l2.FindDevices()
			if err != nil {
				return err
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "DEVICE\tNAME\tH264\tXU\tID")
			for _, info := range devices {
				dev, ext, err := inspectDevice(info.DevicePath)
				if err != nil {
					fmt.Fprintf(tw, "%s\t%s\t?\t-\t%s\n", info.DevicePath, info.DeviceName, info.DeviceID)
					continue
				}
				dev.Close()

				unit := "-"
				if ext.Unit != 0 {
					unit = fmt.Sprintf("%d (v%04x)", ext.Unit, ext.Version)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", info.DevicePath, info.DeviceName, ext.Support, unit, info.DeviceID)
			}
			return tw.Flush()
		},
	}
}
