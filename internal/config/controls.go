package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
)

// Controls is the [h264] table: encoder settings written through the
// extension unit. Unset fields leave the device value alone.
type Controls struct {
	RateControlMode   string  `toml:"rate_control_mode"`
	TemporalScaleMode *uint8  `toml:"temporal_scale_mode"`
	SpatialScaleMode  *uint8  `toml:"spatial_scale_mode"`
	FrameInterval     *uint32 `toml:"frame_interval"`
	PeakBitrate       *uint32 `toml:"peak_bitrate"`
	AverageBitrate    *uint32 `toml:"average_bitrate"`
	// IDRIntervalFrames requests an IDR picture every N captured frames; 0 disables.
	IDRIntervalFrames uint32 `toml:"idr_interval_frames"`
}

var rateControlModes = map[string]uint8{
	"cbr":              uvc.RateControlCBR,
	"vbr":              uvc.RateControlVBR,
	"const_qp":         uvc.RateControlConstQP,
	"fixed_frame_rate": uvc.RateControlFixedFrameRate,
}

// RateControl returns the wire value of RateControlMode.
func (c Controls) RateControl() (uint8, bool) {
	mode, ok := rateControlModes[strings.ToLower(c.RateControlMode)]
	return mode, ok
}

// IsZero reports whether no control is set.
func (c Controls) IsZero() bool {
	return c.RateControlMode == "" && c.TemporalScaleMode == nil && c.SpatialScaleMode == nil &&
		c.FrameInterval == nil && c.PeakBitrate == nil && c.AverageBitrate == nil && c.IDRIntervalFrames == 0
}

// Validate checks value ranges before anything reaches the device.
func (c Controls) Validate() error {
	var errs []error
	if c.RateControlMode != "" {
		if _, ok := c.RateControl(); !ok {
			errs = append(errs, fmt.Errorf("rate_control_mode %q: want cbr, vbr, const_qp or fixed_frame_rate", c.RateControlMode))
		}
	}
	if c.FrameInterval != nil && *c.FrameInterval == 0 {
		errs = append(errs, errors.New("frame_interval must be positive"))
	}
	if (c.PeakBitrate == nil) != (c.AverageBitrate == nil) {
		errs = append(errs, errors.New("peak_bitrate and average_bitrate must be set together"))
	} else if c.PeakBitrate != nil && *c.AverageBitrate > *c.PeakBitrate {
		errs = append(errs, fmt.Errorf("average_bitrate %d exceeds peak_bitrate %d", *c.AverageBitrate, *c.PeakBitrate))
	}
	return errors.Join(errs...)
}

// LoadControls reads the [h264] table of a config file. A file without the
// table yields zero Controls.
func LoadControls(path string) (Controls, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Controls{}, err
	}

	var raw struct {
		H264 Controls `toml:"h264"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Controls{}, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if err := raw.H264.Validate(); err != nil {
		return Controls{}, fmt.Errorf("invalid [h264] controls: %w", err)
	}
	return raw.H264, nil
}
