package uvc

import (
	"log/slog"

	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// Support classifies how a camera delivers H.264.
type Support int

// H.264 support classes.
const (
	SupportNone Support = iota
	SupportMuxed
	SupportFrame
)

func (s Support) String() string {
	switch s {
	case SupportMuxed:
		return "muxed"
	case SupportFrame:
		return "frame"
	default:
		return "none"
	}
}

// UnitLocator discovers the H.264 extension unit id; 0 means none.
type UnitLocator interface {
	LocateH264Unit() uint8
}

// Extension is the result of AddH264Entry.
type Extension struct {
	Support Support
	Unit    uint8
	Version uint16
}

// AddH264Entry classifies H.264 support and, for cameras that mux H.264
// into their MJPEG stream, appends an "H264" entry copying the MJPEG
// resolutions and frame rates. Repeated calls classify the same way and
// never add a second entry.
func AddH264Entry(catalog *v4l2.Catalog, locate UnitLocator, q ControlQuerier, logger *slog.Logger) Extension {
	if logger == nil {
		logger = slog.Default()
	}

	existing, found := catalog.Find(v4l2.PixelFormatH264)
	if found && !existing.Synthetic {
		logger.Info("H.264 is a native frame format")
		return Extension{Support: SupportFrame}
	}

	unit := locate.LocateH264Unit()
	if unit == 0 {
		logger.Info("no H.264 extension unit")
		return Extension{Support: SupportNone}
	}

	version, err := NewChannel(q, unit, logger).Version()
	if err != nil {
		logger.Info("extension unit does not answer UVCX_VERSION", "unit", unit)
		return Extension{Support: SupportNone, Unit: unit}
	}
	logger.Info("device supports UVC H.264", "unit", unit, "version", version)

	if found {
		return Extension{Support: SupportMuxed, Unit: unit, Version: version}
	}

	mjpg, ok := catalog.Find(v4l2.PixelFormatMJPEG)
	if !ok {
		logger.Info("muxed H.264 needs an MJPEG stream, none listed")
		return Extension{Support: SupportNone, Unit: unit, Version: version}
	}

	if err := catalog.Append(v4l2.StreamFormat{
		PixelFormat: v4l2.PixelFormatH264,
		FourCC:      "H264",
		Description: "H.264 (muxed in MJPEG)",
		Synthetic:   true,
		Caps:        mjpg.Caps,
	}); err != nil {
		logger.Warn("failed to add H.264 catalog entry", "error", err)
		return Extension{Support: SupportNone, Unit: unit, Version: version}
	}
	logger.Info("added muxed H.264 format", "resolutions", len(mjpg.Caps))
	return Extension{Support: SupportMuxed, Unit: unit, Version: version}
}
