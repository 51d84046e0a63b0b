//go:build linux

// Package cmd holds the inspection subcommands.
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/uvccap/internal/capture"
	"github.com/smazurov/uvccap/internal/logging"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// inspectDevice opens path without configuring it and classifies its H.264
// support. The caller closes the device.
func inspectDevice(path string) (*v4l2.Device, uvc.Extension, error) {
	dev, err := v4l2.OpenDevice(path, v4l2.WithLogger(logging.GetLogger(logging.ModuleV4L2)))
	if err != nil {
		return nil, uvc.Extension{}, err
	}
	ext := uvc.AddH264Entry(dev.Catalog(), capture.Locator(path), dev, logging.GetLogger(logging.ModuleUVC))
	return dev, ext, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeCatalog(w io.Writer, c *v4l2.Catalog) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "FORMAT\tDESCRIPTION\tRESOLUTION\tFPS")
	for _, f := range c.Formats() {
		desc := f.Description
		switch {
		case f.Synthetic:
			desc += " (muxed in MJPEG)"
		case f.Emulated:
			desc += " (emulated)"
		}
		if len(f.Caps) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\n", f.FourCC, desc)
			continue
		}
		for i, fc := range f.Caps {
			name, d := f.FourCC, desc
			if i > 0 {
				name, d = "", ""
			}
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\n", name, d, fc.Width, fc.Height, framerates(fc.Framerates))
		}
	}
	return tw.Flush()
}

func framerates(frs []v4l2.Framerate) string {
	parts := make([]string, 0, len(frs))
	for _, fr := range frs {
		parts = append(parts, fmt.Sprintf("%g", fr.FPS()))
	}
	return strings.Join(parts, ",")
}
