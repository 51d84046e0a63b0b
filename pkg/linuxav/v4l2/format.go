//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadCatalog opens devicePath just long enough to enumerate its formats.
func ReadCatalog(devicePath string) (*Catalog, error) {
	k := sysKernel{}
	fd, err := k.open(devicePath)
	if err != nil {
		return nil, newError("open "+devicePath, CodeDevice, err)
	}
	defer k.close(fd)
	return enumerateCatalog(k, fd)
}

// enumerateCatalog walks ENUM_FMT, ENUM_FRAMESIZES and ENUM_FRAMEINTERVALS.
// Each enumeration ends when the driver answers EINVAL.
func enumerateCatalog(k kernel, fd int) (*Catalog, error) {
	catalog := &Catalog{}

	for i := uint32(0); ; i++ {
		fmtdesc := v4l2Fmtdesc{
			index: i,
			typ:   v4l2BufTypeVideoCapture,
		}
		if err := k.ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&fmtdesc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break
			}
			return nil, newError(fmt.Sprintf("VIDIOC_ENUM_FMT index %d", i), CodeFormat, err)
		}

		caps, err := enumerateSizes(k, fd, fmtdesc.pixelformat)
		if err != nil {
			return nil, err
		}
		if err := catalog.Append(StreamFormat{
			PixelFormat: fmtdesc.pixelformat,
			Description: cstr(fmtdesc.description[:]),
			Emulated:    fmtdesc.flags&v4l2FmtFlagEmulated != 0,
			Caps:        caps,
		}); err != nil {
			// Some drivers list a fourcc twice (native and emulated); keep the first.
			continue
		}
	}

	return catalog, nil
}

func enumerateSizes(k kernel, fd int, pixelFormat uint32) ([]StreamCap, error) {
	var caps []StreamCap

	for i := uint32(0); ; i++ {
		frmsize := v4l2Frmsizeenum{
			index:       i,
			pixelFormat: pixelFormat,
		}
		if err := k.ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&frmsize)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break
			}
			// ENOTTY means device doesn't support frame size enumeration
			if errors.Is(err, unix.ENOTTY) {
				return caps, nil
			}
			return nil, newError(fmt.Sprintf("VIDIOC_ENUM_FRAMESIZES index %d", i), CodeResolution, err)
		}

		var sizes [][2]uint32
		switch frmsize.typ {
		case v4l2FrmsizeTypeDiscrete:
			sizes = append(sizes, [2]uint32{frmsize.discrete.width, frmsize.discrete.height})
		case v4l2FrmsizeTypeContinuous, v4l2FrmsizeTypeStepwise:
			sizes = stepwiseResolutions(&frmsize)
		}

		for _, sz := range sizes {
			rates, err := enumerateIntervals(k, fd, pixelFormat, sz[0], sz[1])
			if err != nil {
				return nil, err
			}
			caps = append(caps, StreamCap{Width: sz[0], Height: sz[1], Framerates: rates})
		}

		if frmsize.typ != v4l2FrmsizeTypeDiscrete {
			break // Only one stepwise entry
		}
	}

	return caps, nil
}

func enumerateIntervals(k kernel, fd int, pixelFormat, width, height uint32) ([]Framerate, error) {
	var rates []Framerate

	for i := uint32(0); ; i++ {
		frmival := v4l2Frmivalenum{
			index:       i,
			pixelFormat: pixelFormat,
			width:       width,
			height:      height,
		}
		if err := k.ioctl(fd, vidiocEnumFrameintervals, unsafe.Pointer(&frmival)); err != nil {
			if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) {
				break
			}
			return nil, newError(fmt.Sprintf("VIDIOC_ENUM_FRAMEINTERVALS index %d", i), CodeResolution, err)
		}

		switch frmival.typ {
		case v4l2FrmivalTypeDiscrete:
			rates = append(rates, Framerate{
				Numerator:   frmival.discrete.numerator,
				Denominator: frmival.discrete.denominator,
			})
		case v4l2FrmivalTypeContinuous, v4l2FrmivalTypeStepwise:
			return append(rates, commonFramerates()...), nil
		}
	}

	return rates, nil
}

// stepwiseResolutions returns common resolutions within a stepwise range.
func stepwiseResolutions(frmsize *v4l2Frmsizeenum) [][2]uint32 {
	common := [][2]uint32{
		{320, 240},
		{640, 480},
		{800, 600},
		{1280, 720},
		{1280, 960},
		{1920, 1080},
		{2560, 1440},
		{3840, 2160},
	}

	// stepwise overlays discrete in the union
	stepwise := (*v4l2FrmsizeStepwise)(unsafe.Pointer(&frmsize.discrete))

	var out [][2]uint32
	for _, res := range common {
		w, h := res[0], res[1]
		if w >= stepwise.minWidth && w <= stepwise.maxWidth &&
			h >= stepwise.minHeight && h <= stepwise.maxHeight {
			out = append(out, res)
		}
	}
	return out
}

func commonFramerates() []Framerate {
	return []Framerate{
		{1, 60},
		{1, 30},
		{1, 25},
		{1, 15},
		{1, 10},
		{1, 5},
	}
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := []byte{
		byte(format),
		byte(format >> 8),
		byte(format >> 16),
		byte(format >> 24),
	}
	return string(b)
}

// ParseFourCC is the inverse of FormatFourCC.
func ParseFourCC(s string) (uint32, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("fourcc %q must be four characters", s)
	}
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24, nil
}
