package capture

import (
	"errors"
	"fmt"

	"github.com/smazurov/uvccap/internal/config"
	"github.com/smazurov/uvccap/internal/events"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
)

// Encoder controls. Each call takes the session lock, so it lands between
// two frames and never while a frame is being processed.

// ApplyControls writes every set control and keeps the rest. Controls the
// device rejects are reported in the returned error and in a
// ControlsAppliedEvent; the accepted ones stay applied.
func (s *Session) ApplyControls(c config.Controls) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return ErrNoExtensionUnit
	}
	return s.applyControls(c)
}

func (s *Session) applyControls(c config.Controls) error {
	type step struct {
		name string
		set  func() error
	}
	var steps []step
	if mode, ok := c.RateControl(); ok {
		steps = append(steps, step{"rate_control_mode", func() error { return s.ch.SetRateControlMode(mode) }})
	}
	if c.TemporalScaleMode != nil {
		steps = append(steps, step{"temporal_scale_mode", func() error { return s.ch.SetTemporalScaleMode(*c.TemporalScaleMode) }})
	}
	if c.SpatialScaleMode != nil {
		steps = append(steps, step{"spatial_scale_mode", func() error { return s.ch.SetSpatialScaleMode(*c.SpatialScaleMode) }})
	}
	if c.FrameInterval != nil {
		steps = append(steps, step{"frame_interval", func() error { return s.ch.SetFrameRateConfig(*c.FrameInterval) }})
	}
	if c.PeakBitrate != nil && c.AverageBitrate != nil {
		steps = append(steps, step{"bitrate", func() error { return s.ch.SetBitrateLayers(*c.PeakBitrate, *c.AverageBitrate) }})
	}

	var (
		errs     []error
		rejected []string
	)
	for _, st := range steps {
		if err := st.set(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			rejected = append(rejected, st.name)
		}
	}
	s.controls = c

	s.logger.Info("Encoder controls applied", "applied", len(steps)-len(rejected), "rejected", rejected)
	s.publish(events.ControlsAppliedEvent{
		DevicePath: s.dev.Path(),
		Applied:    len(steps) - len(rejected),
		Rejected:   rejected,
	})
	return errors.Join(errs...)
}

// withChannel runs fn under the session lock with the XU channel.
func (s *Session) withChannel(fn func(ch *uvc.Channel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return ErrNoExtensionUnit
	}
	return fn(s.ch)
}

// SetRateControlMode sets UVCX_RATE_CONTROL_MODE.
func (s *Session) SetRateControlMode(mode uint8) error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.SetRateControlMode(mode) })
}

// SetTemporalScaleMode sets UVCX_TEMPORAL_SCALE_MODE.
func (s *Session) SetTemporalScaleMode(mode uint8) error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.SetTemporalScaleMode(mode) })
}

// SetSpatialScaleMode sets UVCX_SPATIAL_SCALE_MODE.
func (s *Session) SetSpatialScaleMode(mode uint8) error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.SetSpatialScaleMode(mode) })
}

// SetFrameInterval sets UVCX_FRAMERATE_CONFIG in 100 ns units.
func (s *Session) SetFrameInterval(interval uint32) error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.SetFrameRateConfig(interval) })
}

// SetBitrate sets UVCX_BITRATE_LAYERS for the base layer.
func (s *Session) SetBitrate(peak, average uint32) error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.SetBitrateLayers(peak, average) })
}

// RequestIDR asks the encoder for an IDR picture.
func (s *Session) RequestIDR() error {
	return s.withChannel(func(ch *uvc.Channel) error { return ch.RequestPictureType(uvc.PictureIDR) })
}

// EncoderState is a snapshot of the encoder controls. Fields the device did
// not answer hold the uvc.Unknown* sentinels.
type EncoderState struct {
	RateControlMode   uint8
	TemporalScaleMode uint8
	SpatialScaleMode  uint8
	FrameInterval     uint32
	PeakBitrate       uint32
	AverageBitrate    uint32
}

// ReadEncoder reads the current (or min/max/default) encoder controls. The
// snapshot is always complete; controls the device did not answer hold
// sentinels and their errors are joined into the returned error.
func (s *Session) ReadEncoder(query uvc.Query) (EncoderState, error) {
	var st EncoderState
	err := s.withChannel(func(ch *uvc.Channel) error {
		var errs [5]error
		st.RateControlMode, errs[0] = ch.RateControlMode(query)
		st.TemporalScaleMode, errs[1] = ch.TemporalScaleMode(query)
		st.SpatialScaleMode, errs[2] = ch.SpatialScaleMode(query)
		st.FrameInterval, errs[3] = ch.FrameRateConfig(query)
		st.PeakBitrate, st.AverageBitrate, errs[4] = ch.BitrateLayers(query)
		return errors.Join(errs[:]...)
	})
	return st, err
}
