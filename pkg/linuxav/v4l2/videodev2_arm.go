//go:build linux && arm && !arm64

package v4l2

import "unsafe"

// Compile-time struct size assertions for 32-bit ARM.
var (
	_ [204]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [12]byte  = [unsafe.Sizeof(uvcXUControlQuery{})]byte{}
)

// IOCTL constants for 32-bit ARM, where v4l2_format, v4l2_buffer and
// uvc_xu_control_query are smaller.
const (
	vidiocGFmt      = 0xc0cc5604
	vidiocSFmt      = 0xc0cc5605
	vidiocQuerybuf  = 0xc0445609
	vidiocQbuf      = 0xc044560f
	vidiocDqbuf     = 0xc0445611
	uvciocCtrlQuery = 0xc00c7521
)

// v4l2Format - size 204 bytes
type v4l2Format struct {
	typ uint32
	pix v4l2PixFormat
	_   [152]byte
}

// v4l2Buffer - size 68 bytes (32-bit timeval and union)
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	tsSec     int32
	tsUsec    int32
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         uint32
	length    uint32
	reserved2 uint32
	requestFD int32
}

func (b *v4l2Buffer) offset() uint32 { return b.m }

func (b *v4l2Buffer) setOffset(off uint32) { b.m = off }

func (b *v4l2Buffer) timestamp() (sec, usec int64) { return int64(b.tsSec), int64(b.tsUsec) }
