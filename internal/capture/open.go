package capture

import (
	"github.com/smazurov/uvccap/internal/events"
	"github.com/smazurov/uvccap/internal/logging"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// noUnit is the locator for devices whose USB address is unknown.
type noUnit struct{}

func (noUnit) LocateH264Unit() uint8 { return 0 }

// Locator returns the extension unit locator for a video node.
func Locator(devicePath string) uvc.UnitLocator {
	logger := logging.GetLogger(logging.ModuleUVC)
	bus, addr, err := v4l2.USBAddress(devicePath)
	if err != nil {
		logger.Info("No USB address for device, skipping descriptor walk", "device", devicePath, "error", err)
		return noUnit{}
	}
	return uvc.USBLocator{Bus: bus, Address: addr, Logger: logger}
}

// Open opens the device named in cfg and starts a session on it.
func Open(cfg Config, bus *events.Bus, opts ...Option) (*Session, error) {
	path := cfg.Device
	devOpts := []v4l2.Option{
		v4l2.WithLogger(logging.GetLogger(logging.ModuleV4L2)),
		v4l2.WithCaptureMethod(cfg.Method),
		v4l2.WithRetryObserver(func(op string, attempts int, err error) {
			if bus != nil {
				bus.Publish(events.IoctlRetryEvent{DevicePath: path, Op: op, Attempts: attempts, Failed: err != nil})
			}
		}),
	}
	if cfg.Buffers > 0 {
		devOpts = append(devOpts, v4l2.WithBufferCount(cfg.Buffers))
	}
	if cfg.Retries > 0 {
		policy := v4l2.DefaultRetryPolicy
		policy.MaxAttempts = cfg.Retries
		devOpts = append(devOpts, v4l2.WithRetryPolicy(policy))
	}

	dev, err := v4l2.OpenDevice(path, devOpts...)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithLogger(logging.GetLogger(logging.ModuleCapture))}, opts...)
	s, err := New(dev, Locator(path), cfg, bus, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}
