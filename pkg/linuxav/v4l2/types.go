//go:build linux

package v4l2

import "fmt"

// DeviceInfo contains information about a V4L2 device.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	DeviceID   string // Stable identifier (from /dev/v4l/by-id/ or synthetic)
	Caps       uint32
}

// Framerate is a frame period expressed as a fraction of a second
// (1/30 is 30 fps), as the kernel reports it.
type Framerate struct {
	Numerator   uint32
	Denominator uint32
}

// FPS returns the framerate as frames per second.
func (f Framerate) FPS() float64 {
	if f.Numerator == 0 {
		return 0
	}
	return float64(f.Denominator) / float64(f.Numerator)
}

func (f Framerate) String() string {
	return fmt.Sprintf("%d/%d", f.Numerator, f.Denominator)
}

// Format is the negotiated (or requested) stream format of a device.
type Format struct {
	PixelFormat  uint32
	Width        uint32
	Height       uint32
	Framerate    Framerate
	BytesPerLine uint32
	SizeImage    uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d@%s", FormatFourCC(f.PixelFormat), f.Width, f.Height, f.Framerate)
}

// CaptureMethod selects how frames are moved from the kernel.
type CaptureMethod int

// Capture methods.
const (
	CaptureMmap CaptureMethod = iota
	CaptureRead
)

func (m CaptureMethod) String() string {
	switch m {
	case CaptureMmap:
		return "mmap"
	case CaptureRead:
		return "read"
	default:
		return "unknown"
	}
}

// ParseCaptureMethod accepts "mmap" or "read".
func ParseCaptureMethod(s string) (CaptureMethod, error) {
	switch s {
	case "mmap", "":
		return CaptureMmap, nil
	case "read":
		return CaptureRead, nil
	}
	return 0, fmt.Errorf("unknown capture method %q", s)
}

// Pixel formats handled by the capture pipeline.
const (
	PixelFormatYUYV  uint32 = 0x56595559 // 'YUYV'
	PixelFormatMJPEG uint32 = 0x47504A4D // 'MJPG'
	PixelFormatH264  uint32 = 0x34363248 // 'H264'
)

// DefaultBufferCount is the size of the mmap buffer ring.
const DefaultBufferCount = 8

// Capability flags.
const (
	v4l2CapVideoCapture = 0x00000001
	v4l2CapReadWrite    = 0x01000000
	v4l2CapStreaming    = 0x04000000
	v4l2CapDeviceCaps   = 0x80000000
)

// Format flags.
const (
	v4l2FmtFlagEmulated = 0x0002
)

// Frame size types.
const (
	v4l2FrmsizeTypeDiscrete   = 1
	v4l2FrmsizeTypeContinuous = 2
	v4l2FrmsizeTypeStepwise   = 3
)

// Frame interval types.
const (
	v4l2FrmivalTypeDiscrete   = 1
	v4l2FrmivalTypeContinuous = 2
	v4l2FrmivalTypeStepwise   = 3
)

// Buffer type, memory and field values.
const (
	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMmap          = 1
	v4l2FieldAny            = 0
	v4l2CapTimePerFrame     = 0x1000
)
