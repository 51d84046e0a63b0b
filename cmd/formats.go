//go:build linux

package cmd

import (
	"github.com/spf13/cobra"
)

// CreateFormatsCmd creates the formats command.
func CreateFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats <device>",
		Short: "Print the stream format catalog of a device",
		Long:  `Prints every pixel format, resolution and frame rate the device offers, including the H.264 entry derived for cameras that mux H.264 into MJPEG.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, _, err := inspectDevice(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			return writeCatalog(cmd.OutOrStdout(), dev.Catalog())
		},
	}
}
