//go:build linux && (amd64 || arm64)

package v4l2

import "unsafe"

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(uvcXUControlQuery{})]byte{}
)

// IOCTL constants whose size field differs on 64-bit architectures.
const (
	vidiocGFmt      = 0xc0d05604
	vidiocSFmt      = 0xc0d05605
	vidiocQuerybuf  = 0xc0585609
	vidiocQbuf      = 0xc058560f
	vidiocDqbuf     = 0xc0585611
	uvciocCtrlQuery = 0xc0107521
)

// v4l2Format has size 208 bytes. The fmt union is 8-byte aligned because
// v4l2_window carries pointers.
type v4l2Format struct {
	typ uint32
	_   [4]byte
	pix v4l2PixFormat
	_   [152]byte
}

// v4l2Buffer has size 88 bytes.
type v4l2Buffer struct {
	index     uint32   // offset 0
	typ       uint32   // offset 4
	bytesused uint32   // offset 8
	flags     uint32   // offset 12
	field     uint32   // offset 16
	_         [4]byte  // padding
	tsSec     int64    // offset 24, struct timeval
	tsUsec    int64    // offset 32
	timecode  [16]byte // offset 40
	sequence  uint32   // offset 56
	memory    uint32   // offset 60
	m         uint64   // offset 64, union: offset in the low 32 bits
	length    uint32   // offset 72
	reserved2 uint32   // offset 76
	requestFD int32    // offset 80
	_         [4]byte  // padding to 88
}

func (b *v4l2Buffer) offset() uint32 { return uint32(b.m) }

func (b *v4l2Buffer) setOffset(off uint32) { b.m = uint64(off) }

func (b *v4l2Buffer) timestamp() (sec, usec int64) { return b.tsSec, b.tsUsec }
