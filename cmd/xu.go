//go:build linux

package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smazurov/uvccap/internal/logging"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
)

var defaultXUQueries = []string{"GET_CUR", "GET_DEF", "GET_MIN", "GET_MAX", "GET_RES"}

// CreateXUCmd creates the xu command.
func CreateXUCmd() *cobra.Command {
	var queries []string

	cmd := &cobra.Command{
		Use:   "xu <device>",
		Short: "Dump H.264 extension unit controls",
		Long:  `Reads the H.264 encoder controls of the UVC extension unit with each requested query and prints them side by side. Controls the device does not answer are shown as "-".`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qs := make([]uvc.Query, 0, len(queries))
			for _, name := range queries {
				q, err := uvc.ParseQuery(name)
				if err != nil {
					return err
				}
				if q == uvc.SetCur {
					return fmt.Errorf("%s: %w", name, uvc.ErrInvalidQuery)
				}
				qs = append(qs, q)
			}

			dev, ext, err := inspectDevice(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			if ext.Unit == 0 {
				return fmt.Errorf("%s: %w", args[0], uvc.ErrNoStream)
			}

			ch := uvc.NewChannel(dev, ext.Unit, logging.GetLogger(logging.ModuleUVC))
			fmt.Fprintf(cmd.OutOrStdout(), "unit %d, version 0x%04x, %s\n", ext.Unit, ext.Version, ext.Support)
			return writeXU(cmd.OutOrStdout(), ch, qs)
		},
	}

	cmd.Flags().StringSliceVarP(&queries, "query", "q", defaultXUQueries, "Queries to issue (GET_CUR, GET_DEF, GET_MIN, GET_MAX, GET_RES)")
	return cmd
}

// xuRow reads one control with a query; ok is false when the device
// rejected the request.
type xuRow struct {
	name string
	read func(ch *uvc.Channel, q uvc.Query) (uint32, bool)
}

func mode(get func(*uvc.Channel, uvc.Query) (uint8, error)) func(*uvc.Channel, uvc.Query) (uint32, bool) {
	return func(ch *uvc.Channel, q uvc.Query) (uint32, bool) {
		v, err := get(ch, q)
		return uint32(v), err == nil
	}
}

func probeField(field func(uvc.ProbeCommit) uint32) func(*uvc.Channel, uvc.Query) (uint32, bool) {
	return func(ch *uvc.Channel, q uvc.Query) (uint32, bool) {
		pc, err := ch.Probe(q)
		return field(pc), err == nil
	}
}

var xuRows = []xuRow{
	{"rate_control_mode", mode((*uvc.Channel).RateControlMode)},
	{"temporal_scale_mode", mode((*uvc.Channel).TemporalScaleMode)},
	{"spatial_scale_mode", mode((*uvc.Channel).SpatialScaleMode)},
	{"frame_interval", func(ch *uvc.Channel, q uvc.Query) (uint32, bool) {
		v, err := ch.FrameRateConfig(q)
		return v, err == nil
	}},
	{"peak_bitrate", func(ch *uvc.Channel, q uvc.Query) (uint32, bool) {
		v, _, err := ch.BitrateLayers(q)
		return v, err == nil
	}},
	{"average_bitrate", func(ch *uvc.Channel, q uvc.Query) (uint32, bool) {
		_, v, err := ch.BitrateLayers(q)
		return v, err == nil
	}},
	{"probe.width", probeField(func(pc uvc.ProbeCommit) uint32 { return uint32(pc.Width) })},
	{"probe.height", probeField(func(pc uvc.ProbeCommit) uint32 { return uint32(pc.Height) })},
	{"probe.frame_interval", probeField(func(pc uvc.ProbeCommit) uint32 { return pc.FrameInterval })},
	{"probe.bitrate", probeField(func(pc uvc.ProbeCommit) uint32 { return pc.BitRate })},
	{"probe.stream_mux_option", probeField(func(pc uvc.ProbeCommit) uint32 { return uint32(pc.StreamMuxOption) })},
}

func writeXU(w io.Writer, ch *uvc.Channel, queries []uvc.Query) error {
	tw := newTable(w)
	fmt.Fprint(tw, "CONTROL")
	for _, q := range queries {
		fmt.Fprintf(tw, "\t%s", q)
	}
	fmt.Fprintln(tw)

	for _, row := range xuRows {
		fmt.Fprint(tw, row.name)
		for _, q := range queries {
			cell := "-"
			if v, ok := row.read(ch, q); ok {
				cell = strconv.FormatUint(uint64(v), 10)
			}
			fmt.Fprintf(tw, "\t%s", cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
