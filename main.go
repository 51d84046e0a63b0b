//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/uvccap/cmd"
	"github.com/smazurov/uvccap/internal/capture"
	"github.com/smazurov/uvccap/internal/config"
	"github.com/smazurov/uvccap/internal/events"
	"github.com/smazurov/uvccap/internal/logging"
	"github.com/smazurov/uvccap/internal/metrics"
	"github.com/smazurov/uvccap/internal/metrics/exporters"
	"github.com/smazurov/uvccap/internal/version"
	"github.com/smazurov/uvccap/pkg/linuxav/hotplug"
	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"uvccap.toml"`

	// Capture settings
	Device     string `help:"Video device node" short:"d" default:"/dev/video0" toml:"capture.device" env:"CAPTURE_DEVICE"`
	Format     string `help:"Pixel format (MJPG, YUYV, H264)" short:"f" default:"H264" toml:"capture.format" env:"CAPTURE_FORMAT"`
	Width      int    `help:"Frame width" default:"1280" toml:"capture.width" env:"CAPTURE_WIDTH"`
	Height     int    `help:"Frame height" default:"720" toml:"capture.height" env:"CAPTURE_HEIGHT"`
	FPSNum     int    `help:"Frame period numerator" default:"1" toml:"capture.fps_num" env:"CAPTURE_FPS_NUM"`
	FPSDenom   int    `help:"Frame period denominator" default:"30" toml:"capture.fps_denom" env:"CAPTURE_FPS_DENOM"`
	Buffers    int    `help:"Number of kernel buffers" default:"4" toml:"capture.buffers" env:"CAPTURE_BUFFERS"`
	Method     string `help:"Capture method (mmap, read)" default:"mmap" toml:"capture.method" env:"CAPTURE_METHOD"`
	Retries    int    `help:"Attempts for transient ioctl failures" default:"4" toml:"capture.retries" env:"CAPTURE_RETRIES"`
	Timeout    string `help:"Timeout for one frame" default:"2s" toml:"capture.timeout" env:"CAPTURE_TIMEOUT"`
	FrameLimit int    `help:"Stop after this many frames (0 runs until interrupted)" short:"n" default:"0" toml:"capture.frame_limit" env:"CAPTURE_FRAME_LIMIT"`

	// Decode settings
	Decode     bool   `help:"Decode frames to yuv420p" default:"false" toml:"decode.enabled" env:"DECODE_ENABLED"`
	FfmpegPath string `help:"ffmpeg binary used for decoding" default:"ffmpeg" toml:"decode.ffmpeg_path" env:"DECODE_FFMPEG_PATH"`

	// Metrics settings
	MetricsAddr string `help:"Prometheus listen address (empty disables)" default:":9110" toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingV4L2    string `help:"V4L2 engine logging level" default:"info" toml:"logging.v4l2" env:"LOGGING_V4L2"`
	LoggingUVC     string `help:"UVC extension unit logging level" default:"info" toml:"logging.uvc" env:"LOGGING_UVC"`
	LoggingCapture string `help:"Capture session logging level" default:"info" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingDecode  string `help:"Decoder logging level" default:"info" toml:"logging.decode" env:"LOGGING_DECODE"`
}

func (o *Options) captureConfig() (capture.Config, error) {
	pix, err := v4l2.ParseFourCC(o.Format)
	if err != nil {
		return capture.Config{}, err
	}
	method, err := v4l2.ParseCaptureMethod(o.Method)
	if err != nil {
		return capture.Config{}, err
	}
	timeout, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Device: o.Device,
		Format: v4l2.Format{
			PixelFormat: pix,
			Width:       uint32(o.Width),
			Height:      uint32(o.Height),
			Framerate:   v4l2.Framerate{Numerator: uint32(o.FPSNum), Denominator: uint32(o.FPSDenom)},
		},
		Buffers: o.Buffers,
		Method:  method,
		Retries: o.Retries,
		Timeout: timeout,
		Decode:  o.Decode,
		FFmpeg:  o.FfmpegPath,
	}, nil
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				logging.ModuleV4L2:    opts.LoggingV4L2,
				logging.ModuleUVC:     opts.LoggingUVC,
				logging.ModuleCapture: opts.LoggingCapture,
				logging.ModuleDecode:  opts.LoggingDecode,
			},
		})
		logger := logging.GetLogger(logging.ModuleMain)
		info := version.Get()
		logger.Info("uvccap starting", "version", info.Version, "commit", info.GitCommit, "go", info.GoVersion)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		hooks.OnStart(func() {
			defer close(done)
			if err := run(ctx, opts, logger); err != nil {
				logger.Error("Capture stopped", "device", opts.Device, "error", err)
				cancel()
				os.Exit(1)
			}
			logger.Info("Capture finished")
		})

		hooks.OnStop(func() {
			logger.Info("Stopping capture")
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				logger.Warn("Capture did not stop in time")
			}
		})
	})

	cli.Root().Use = "uvccap"
	cli.Root().Short = "Capture from UVC cameras, including muxed H.264"
	cli.Root().Version = version.String()

	cli.Root().AddCommand(cmd.CreateDevicesCmd())
	cli.Root().AddCommand(cmd.CreateFormatsCmd())
	cli.Root().AddCommand(cmd.CreateXUCmd())

	cli.Run()
}

// run captures from the configured device until ctx is done, the frame
// limit is reached or the device fails.
func run(ctx context.Context, opts *Options, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := opts.captureConfig()
	if err != nil {
		return fmt.Errorf("invalid capture options: %w", err)
	}
	if controls, ctlErr := config.LoadControls(opts.Config); ctlErr == nil {
		cfg.Controls = controls
	} else if !errors.Is(ctlErr, os.ErrNotExist) {
		logger.Warn("Ignoring [h264] controls", "error", ctlErr)
	}

	eventBus := events.New()
	defer metrics.Subscribe(eventBus)()

	if opts.MetricsAddr != "" {
		srv := exporters.NewServer(opts.MetricsAddr)
		go func() {
			logger.Info("Serving metrics", "addr", opts.MetricsAddr)
			if srvErr := srv.ListenAndServe(); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
				logging.GetLogger(logging.ModuleMetrics).Error("Metrics server failed", "error", srvErr)
			}
		}()
		defer srv.Close()
	}

	session, err := capture.Open(cfg, eventBus)
	if err != nil {
		return err
	}
	defer session.Close()
	defer metrics.DeleteDeviceMetrics(cfg.Device)

	logger.Info("Capture started",
		"device", cfg.Device,
		"format", session.Format().String(),
		"h264", session.H264Support().Support.String())

	watchControls(ctx, opts.Config, session, logger)
	watchRemoval(ctx, cfg.Device, eventBus, logger)

	// No-op outside a systemd Type=notify unit.
	if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		logger.Debug("sd_notify failed", "error", notifyErr)
	}
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	err = session.Run(ctx, frameCounter(opts.FrameLimit, logger))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// frameCounter returns a handler that logs throughput and stops after limit
// frames when limit is positive.
func frameCounter(limit int, logger *slog.Logger) capture.Handler {
	var (
		count int
		bytes int
		since = time.Now()
	)
	return func(f capture.Frame) error {
		count++
		bytes += len(f.Data)
		if elapsed := time.Since(since); elapsed >= 5*time.Second {
			logger.Info("Capturing",
				"format", f.Format.String(),
				"frames", count,
				"fps", float64(count)/elapsed.Seconds(),
				"kbps", float64(bytes)*8/1000/elapsed.Seconds())
			count, bytes, since = 0, 0, time.Now()
		}
		if limit > 0 {
			limit--
			if limit == 0 {
				return capture.ErrStop
			}
		}
		return nil
	}
}

// watchControls applies [h264] changes from the config file to the running
// session, on file change or SIGHUP.
func watchControls(ctx context.Context, path string, session *capture.Session, logger *slog.Logger) {
	if path == "" {
		return
	}
	watcher := config.NewWatcher(path, config.LoadControls, logging.GetLogger(logging.ModuleConfig),
		config.WithDebounce[config.Controls](500*time.Millisecond),
		config.WithErrorHandler[config.Controls](func(err error) {
			logger.Warn("Controls not reloaded", "error", err)
		}),
	)
	watcher.OnReload(func(c config.Controls) {
		if err := session.ApplyControls(c); err != nil {
			logger.Warn("Encoder controls partially applied", "error", err)
		}
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watcher not started", "error", err)
		return
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		defer watcher.Stop()
		for {
			select {
			case <-hup:
				logger.Info("SIGHUP received, reloading controls")
				watcher.Reload()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// watchRemoval publishes a DeviceRemovedEvent when the device node leaves.
func watchRemoval(ctx context.Context, device string, bus *events.Bus, logger *slog.Logger) {
	mon, err := hotplug.NewMonitor(
		hotplug.WithLogger(logging.GetLogger(logging.ModuleHotplug)),
		hotplug.WithSubsystems(hotplug.SubsystemVideo4Linux),
	)
	if err != nil {
		logger.Warn("Hotplug monitor unavailable, device removal will surface as I/O errors", "error", err)
		return
	}
	go func() {
		defer mon.Close()
		err := mon.WatchRemoval(ctx, device, func(hotplug.Event) {
			bus.Publish(events.DeviceRemovedEvent{DevicePath: device, Timestamp: time.Now()})
		})
		if err != nil {
			logger.Warn("Hotplug monitor stopped", "error", err)
		}
	}()
}
