// Package capture runs a capture session: it classifies and negotiates the
// stream, drives the acquire/process/release loop, and serializes encoder
// control requests with frame processing.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/uvccap/internal/config"
	"github.com/smazurov/uvccap/internal/decode"
	"github.com/smazurov/uvccap/internal/events"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

var (
	// ErrStop can be returned by a Handler to end Run without error.
	ErrStop = errors.New("capture: stop requested")
	// ErrH264Unsupported means H.264 was requested from a camera without it.
	ErrH264Unsupported = errors.New("capture: device has no H.264 support")
	// ErrNoExtensionUnit means an encoder control was used without an XU.
	ErrNoExtensionUnit = errors.New("capture: device has no H.264 extension unit")
	// ErrDeviceRemoved is returned by Run after the device left the bus.
	ErrDeviceRemoved = errors.New("capture: device removed")
)

// DefaultTimeout bounds one AcquireFrame call.
const DefaultTimeout = 2 * time.Second

// Device is the part of *v4l2.Device a session drives.
type Device interface {
	uvc.ControlQuerier
	Configure(req v4l2.Format) (v4l2.Format, error)
	AdoptNegotiated(width, height uint32, fr v4l2.Framerate) error
	StartStreaming() error
	StopStreaming() error
	AcquireFrame(timeout time.Duration) (v4l2.Frame, error)
	ReleaseFrame(f v4l2.Frame) error
	Interrupt() error
	Close() error
	Streaming() bool
	Format() v4l2.Format
	Catalog() *v4l2.Catalog
	Ownership() (engine, kernel int)
	Path() string
}

// Config describes what a session should capture.
type Config struct {
	Device   string
	Format   v4l2.Format
	Buffers  int
	Method   v4l2.CaptureMethod
	Retries  int
	Timeout  time.Duration
	Decode   bool
	FFmpeg   string
	Controls config.Controls
}

// Frame is one processed capture. All slices are only valid during the
// Handler call.
type Frame struct {
	Format    v4l2.Format
	Sequence  uint32
	Timestamp time.Duration
	// Data is the buffer as captured; MJPEG for muxed H.264.
	Data []byte
	// H264 is the demuxed elementary stream of a muxed frame.
	H264 []byte
	// Picture is the decoded yuv420p picture, nil when none was produced.
	Picture []byte
}

// Handler consumes frames. Returning ErrStop ends Run cleanly; any other
// error ends it with that error.
type Handler func(Frame) error

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithDecoderFactory replaces the ffmpeg decoders; the function receives
// the input codec.
func WithDecoderFactory(fn func(codec string) decode.Factory) Option {
	return func(s *Session) { s.decoders = fn }
}

// Session owns one opened device. Run is the capture thread; the control
// methods may be called from any other goroutine.
type Session struct {
	// mu is held while a frame is processed and around every reconfigure or
	// control request, so controls never interleave with a frame.
	mu sync.Mutex

	dev      Device
	bus      *events.Bus
	logger   *slog.Logger
	decoders func(codec string) decode.Factory
	timeout  time.Duration
	decodeOn bool

	ext      uvc.Extension
	ch       *uvc.Channel
	controls config.Controls
	active   v4l2.Format
	muxed    bool
	codec    string
	slot     *decode.Slot
	picture  []byte
	h264     []byte
	frames   uint64
	lastErr  error

	gen     atomic.Uint64
	stopped atomic.Bool
	removed atomic.Bool
	unsub   func()
}

// New classifies H.264 support on dev, configures the requested format and
// applies the configured encoder controls. The session takes ownership of
// dev only on success.
func New(dev Device, locate uvc.UnitLocator, cfg Config, bus *events.Bus, opts ...Option) (*Session, error) {
	s := &Session{
		dev:      dev,
		bus:      bus,
		logger:   slog.Default(),
		timeout:  cfg.Timeout,
		decodeOn: cfg.Decode,
		controls: cfg.Controls,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("device", dev.Path())
	if s.decoders == nil {
		path := cfg.FFmpeg
		logger := s.logger
		s.decoders = func(codec string) decode.Factory {
			return decode.NewFFmpegFactory(decode.WithFFmpegPath(path), decode.WithCodec(codec), decode.WithLogger(logger))
		}
	}
	s.slot = decode.NewSlot(func(w, h uint32) (decode.Decoder, error) {
		return s.decoders(s.codec)(w, h)
	}, s.logger)

	s.ext = uvc.AddH264Entry(dev.Catalog(), locate, dev, s.logger)
	if s.ext.Unit != 0 {
		s.ch = uvc.NewChannel(dev, s.ext.Unit, s.logger)
	}
	s.publish(events.H264SupportEvent{
		DevicePath: dev.Path(),
		Support:    s.ext.Support.String(),
		Unit:       s.ext.Unit,
		Version:    s.ext.Version,
	})

	if err := s.configure(cfg.Format); err != nil {
		s.slot.Close()
		return nil, err
	}
	if s.ch != nil && !s.controls.IsZero() {
		if err := s.applyControls(s.controls); err != nil {
			s.logger.Warn("Some encoder controls were rejected", "error", err)
		}
	}

	if bus != nil {
		s.unsub = bus.Subscribe(func(e events.DeviceRemovedEvent) {
			if e.DevicePath != dev.Path() {
				return
			}
			s.logger.Warn("Device removed")
			s.removed.Store(true)
			_ = s.dev.Interrupt()
		})
	}
	return s, nil
}

// configure runs with mu held (or before the session is shared).
func (s *Session) configure(req v4l2.Format) error {
	wire := req
	muxed := false
	if req.PixelFormat == v4l2.PixelFormatH264 {
		switch s.ext.Support {
		case uvc.SupportMuxed:
			// The encoder stream rides inside MJPEG frames.
			wire.PixelFormat = v4l2.PixelFormatMJPEG
			muxed = true
		case uvc.SupportFrame:
		default:
			return ErrH264Unsupported
		}
	}

	got, err := s.dev.Configure(wire)
	if err != nil {
		return fmt.Errorf("configure %s: %w", wire, err)
	}

	if muxed {
		res, err := s.negotiator().Negotiate(got.Width, got.Height, got.Framerate)
		if err != nil {
			return fmt.Errorf("negotiate H.264: %w", err)
		}
		if err := s.dev.AdoptNegotiated(res.Width, res.Height, res.Framerate); err != nil {
			return err
		}
		got = s.dev.Format()
	}

	s.active = got
	s.muxed = muxed
	s.logger.Info("Stream configured", "format", got.String(), "muxed_h264", muxed)
	return s.prepareDecoder(req.PixelFormat)
}

func (s *Session) negotiator() *uvc.Negotiator {
	path := s.dev.Path()
	return uvc.NewNegotiator(s.ch, s.logger,
		uvc.WithMismatchHandler(func(m uvc.Mismatch) {
			s.publish(events.NegotiationMismatchEvent{
				DevicePath: path,
				Field:      m.Field,
				Requested:  m.Requested,
				Granted:    m.Granted,
				Timestamp:  time.Now(),
			})
		}),
		uvc.WithProbeOverlay(s.overlayControls),
	)
}

// overlayControls carries configured encoder settings into the probe.
func (s *Session) overlayControls(pc *uvc.ProbeCommit) {
	c := s.controls
	if mode, ok := c.RateControl(); ok {
		pc.RateControlMode = mode
	}
	if c.TemporalScaleMode != nil {
		pc.TemporalScaleMode = *c.TemporalScaleMode
	}
	if c.SpatialScaleMode != nil {
		pc.SpatialScaleMode = *c.SpatialScaleMode
	}
	if c.PeakBitrate != nil {
		pc.BitRate = *c.PeakBitrate
	}
}

func (s *Session) prepareDecoder(requested uint32) error {
	codec := ""
	if s.decodeOn {
		switch requested {
		case v4l2.PixelFormatH264:
			codec = decode.CodecH264
		case v4l2.PixelFormatMJPEG:
			codec = decode.CodecMJPEG
		}
	}
	if codec != s.codec {
		s.slot.Close()
		s.codec = codec
	}
	if codec == "" {
		s.picture = nil
		return nil
	}
	if err := s.slot.Resize(s.active.Width, s.active.Height); err != nil {
		return err
	}
	if size := s.slot.FrameSize(); cap(s.picture) < size {
		s.picture = make([]byte, size)
	} else {
		s.picture = s.picture[:size]
	}
	return nil
}

// Run starts streaming and delivers frames to h until ctx is done, Stop is
// called, the handler stops it, or the device fails.
func (s *Session) Run(ctx context.Context, h Handler) error {
	if err := s.exitReason(ctx); err != nil {
		return ignoreStop(err)
	}

	s.mu.Lock()
	// Only reconfigure failures from here on end this Run.
	s.lastErr = nil
	if !s.dev.Streaming() {
		if err := s.dev.StartStreaming(); err != nil {
			s.mu.Unlock()
			s.captureError("start", err)
			return err
		}
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.dev.Interrupt() })
	defer stop()

	for {
		if err := s.exitReason(ctx); err != nil {
			return ignoreStop(err)
		}

		gen := s.gen.Load()
		f, err := s.dev.AcquireFrame(s.timeout)
		if err != nil {
			switch {
			case errors.Is(err, v4l2.ErrTimeout):
				s.logger.Debug("No frame within timeout", "timeout", s.timeout)
				continue
			case errors.Is(err, v4l2.ErrInterrupted), errors.Is(err, v4l2.ErrNotStreaming):
				// Woken for stop or reconfigure; wait out a reconfigure in progress.
				s.mu.Lock()
				lastErr := s.lastErr
				s.mu.Unlock()
				if lastErr != nil {
					return lastErr
				}
				continue
			default:
				if s.removed.Load() {
					return ErrDeviceRemoved
				}
				s.captureError("acquire", err)
				return err
			}
		}

		s.mu.Lock()
		if s.gen.Load() != gen {
			// The ring was replaced while this frame was in hand. A stale
			// frame is rejected by the device without touching its memory.
			_ = s.dev.ReleaseFrame(f)
			s.mu.Unlock()
			continue
		}
		herr := s.process(f, h)
		rerr := s.dev.ReleaseFrame(f)
		s.mu.Unlock()

		if rerr != nil {
			s.captureError("release", rerr)
			return rerr
		}
		if herr != nil {
			return ignoreStop(herr)
		}
	}
}

func (s *Session) exitReason(ctx context.Context) error {
	switch {
	case s.removed.Load():
		return ErrDeviceRemoved
	case s.stopped.Load():
		return ErrStop
	default:
		return ctx.Err()
	}
}

func ignoreStop(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func (s *Session) process(f v4l2.Frame, h Handler) error {
	out := Frame{
		Format:    s.active,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Data:      f.Data,
	}

	input := f.Data
	if s.muxed {
		payload, err := uvc.DemuxH264(s.h264[:0], f.Data)
		s.h264 = payload
		if err != nil {
			s.logger.Debug("No H.264 payload in frame", "sequence", f.Sequence, "error", err)
			input = nil
		} else {
			out.H264 = payload
			input = payload
		}
	}

	if s.picture != nil && len(input) > 0 {
		n, err := s.slot.Decode(s.picture, input)
		switch {
		case err != nil:
			s.logger.Warn("Decode failed", "sequence", f.Sequence, "error", err)
			s.publish(events.DecodeErrorEvent{DevicePath: s.dev.Path(), Error: err.Error()})
		case n > 0:
			out.Picture = s.picture[:n]
		}
	}

	s.frames++
	if n := s.controls.IDRIntervalFrames; n > 0 && s.ch != nil && s.frames%uint64(n) == 0 {
		if err := s.ch.RequestPictureType(uvc.PictureIDR); err != nil {
			s.logger.Warn("IDR request failed", "error", err)
		}
	}

	engine, _ := s.dev.Ownership()
	s.publish(events.FrameCapturedEvent{
		DevicePath: s.dev.Path(),
		Sequence:   f.Sequence,
		Bytes:      len(f.Data),
		InFlight:   engine,
	})
	return h(out)
}

// Reconfigure switches to a new format: stop streaming, configure,
// negotiate, restart. A running Run continues with the new stream; if the
// switch fails, Run returns the error.
func (s *Session) Reconfigure(req v4l2.Format) error {
	_ = s.dev.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen.Add(1)
	wasStreaming := s.dev.Streaming()
	err := s.reconfigure(req, wasStreaming)
	s.lastErr = err
	if err != nil {
		s.captureError("reconfigure", err)
	}
	return err
}

func (s *Session) reconfigure(req v4l2.Format, restart bool) error {
	if err := s.dev.StopStreaming(); err != nil {
		return err
	}
	if err := s.configure(req); err != nil {
		return err
	}
	if restart {
		return s.dev.StartStreaming()
	}
	return nil
}

// Stop interrupts Run and stops streaming.
func (s *Session) Stop() error {
	s.stopped.Store(true)
	_ = s.dev.Interrupt()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen.Add(1)
	return s.dev.StopStreaming()
}

// Close stops the session and releases the decoder and device.
func (s *Session) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	stopErr := s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(stopErr, s.slot.Close(), s.dev.Close())
}

// H264Support reports how the device delivers H.264.
func (s *Session) H264Support() uvc.Extension { return s.ext }

// Format returns the active stream format.
func (s *Session) Format() v4l2.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Session) captureError(op string, err error) {
	code := "UNKNOWN"
	var verr *v4l2.Error
	if errors.As(err, &verr) {
		code = string(verr.Code)
	}
	s.logger.Error("Capture failed", "op", op, "code", code, "error", err)
	s.publish(events.CaptureErrorEvent{
		DevicePath: s.dev.Path(),
		Op:         op,
		Code:       code,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
}
