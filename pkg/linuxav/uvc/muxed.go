package uvc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// JPEG markers used while scanning a muxed frame.
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP4 = 0xE4
)

var (
	// ErrNoPayload means the frame carries no H.264 APP4 segments.
	ErrNoPayload = errors.New("uvc: no muxed H.264 payload")
	// ErrTruncatedPayload means the APP4 segments end before the announced size.
	ErrTruncatedPayload = errors.New("uvc: truncated muxed H.264 payload")
)

// DemuxH264 extracts the H.264 elementary stream that a muxing camera
// carries in APP4 segments of an MJPEG frame. The first APP4 segment starts
// with a payload header (wVersion, wHeaderLength, ...) followed by a 32-bit
// little-endian payload size; the payload continues across subsequent APP4
// segments. The result is appended to dst.
func DemuxH264(dst, frame []byte) ([]byte, error) {
	if len(frame) < 4 || frame[0] != 0xFF || frame[1] != markerSOI {
		return dst, fmt.Errorf("%w: not a JPEG frame", ErrNoPayload)
	}

	var (
		started   bool
		remaining int
	)
	for off := 2; off+4 <= len(frame); {
		if frame[off] != 0xFF {
			return dst, fmt.Errorf("%w: bad marker at offset %d", ErrTruncatedPayload, off)
		}
		marker := frame[off+1]
		if marker == 0xFF {
			off++ // fill byte
			continue
		}
		if marker == markerSOS || marker == markerEOI {
			break
		}
		segLen := int(binary.BigEndian.Uint16(frame[off+2:]))
		if segLen < 2 || off+2+segLen > len(frame) {
			return dst, fmt.Errorf("%w: segment at offset %d overruns frame", ErrTruncatedPayload, off)
		}
		seg := frame[off+4 : off+2+segLen]
		off += 2 + segLen

		if marker != markerAPP4 {
			continue
		}
		if !started {
			if len(seg) < 4 {
				return dst, fmt.Errorf("%w: short payload header", ErrTruncatedPayload)
			}
			headerLen := int(binary.LittleEndian.Uint16(seg[2:]))
			if headerLen+4 > len(seg) {
				return dst, fmt.Errorf("%w: header length %d", ErrTruncatedPayload, headerLen)
			}
			remaining = int(binary.LittleEndian.Uint32(seg[headerLen:]))
			seg = seg[headerLen+4:]
			started = true
		}
		n := min(len(seg), remaining)
		dst = append(dst, seg[:n]...)
		remaining -= n
		if remaining == 0 {
			return dst, nil
		}
	}

	if !started {
		return dst, ErrNoPayload
	}
	return dst, ErrTruncatedPayload
}
