package capture

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/uvccap/internal/decode"
	"github.com/smazurov/uvccap/pkg/linuxav/uvc"
	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

type xuWrite struct {
	selector uvc.Selector
	data     []byte
}

// fakeDevice is an in-memory camera with an MJPEG catalog and an H.264
// extension unit that echoes probe requests, optionally through grant.
type fakeDevice struct {
	mu sync.Mutex

	catalog   *v4l2.Catalog
	format    v4l2.Format
	streaming bool
	closed    bool
	gen       int
	inFlight  int
	seq       uint32
	calls     []string
	released  []uint32

	frames chan []byte
	wake   chan struct{}

	xuCur     map[uvc.Selector][]byte
	xuFail    map[uvc.Selector]error
	xuWrites  []xuWrite
	grant     func(pc *uvc.ProbeCommit)
	acquireFn func() error
}

func newFakeDevice() *fakeDevice {
	c := &v4l2.Catalog{}
	c.Append(v4l2.StreamFormat{
		PixelFormat: v4l2.PixelFormatMJPEG,
		Caps: []v4l2.StreamCap{
			{Width: 640, Height: 480, Framerates: []v4l2.Framerate{{Numerator: 1, Denominator: 30}}},
			{Width: 1280, Height: 720, Framerates: []v4l2.Framerate{{Numerator: 1, Denominator: 15}}},
		},
	})
	c.Append(v4l2.StreamFormat{PixelFormat: v4l2.PixelFormatYUYV})
	return &fakeDevice{
		catalog: c,
		frames:  make(chan []byte, 16),
		wake:    make(chan struct{}, 1),
		xuCur:   map[uvc.Selector][]byte{uvc.SelectorVersion: {0x00, 0x01}},
		xuFail:  map[uvc.Selector]error{},
	}
}

func (f *fakeDevice) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDevice) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeDevice) QueryControl(_, selector, query uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel := uvc.Selector(selector)
	if err := f.xuFail[sel]; err != nil {
		return err
	}
	switch uvc.Query(query) {
	case uvc.SetCur:
		stored := slices.Clone(data)
		if sel == uvc.SelectorVideoConfigProbe && f.grant != nil {
			var pc uvc.ProbeCommit
			pc.UnmarshalBinary(stored)
			f.grant(&pc)
			stored, _ = pc.MarshalBinary()
		}
		f.xuCur[sel] = stored
		f.xuWrites = append(f.xuWrites, xuWrite{sel, slices.Clone(data)})
	case uvc.GetDef:
		clear(data)
	default:
		copy(data, f.xuCur[sel])
	}
	return nil
}

func (f *fakeDevice) writes(sel uvc.Selector) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, w := range f.xuWrites {
		if w.selector == sel {
			out = append(out, w.data)
		}
	}
	return out
}

func (f *fakeDevice) Configure(req v4l2.Format) (v4l2.Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("configure " + v4l2.FormatFourCC(req.PixelFormat))
	if f.streaming {
		return v4l2.Format{}, v4l2.ErrBusy
	}
	f.format = req
	return req, nil
}

func (f *fakeDevice) AdoptNegotiated(width, height uint32, fr v4l2.Framerate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("adopt")
	f.format.Width, f.format.Height, f.format.Framerate = width, height, fr
	return nil
}

func (f *fakeDevice) StartStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	f.streaming = true
	f.gen++
	return nil
}

func (f *fakeDevice) StopStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if f.streaming {
		f.gen++
		f.inFlight = 0
	}
	f.streaming = false
	return nil
}

func (f *fakeDevice) AcquireFrame(timeout time.Duration) (v4l2.Frame, error) {
	f.mu.Lock()
	streaming := f.streaming
	acquireFn := f.acquireFn
	f.mu.Unlock()
	if acquireFn != nil {
		if err := acquireFn(); err != nil {
			return v4l2.Frame{}, err
		}
	}
	if !streaming {
		select {
		case <-f.wake:
			return v4l2.Frame{}, v4l2.ErrInterrupted
		default:
			return v4l2.Frame{}, v4l2.ErrNotStreaming
		}
	}

	select {
	case data := <-f.frames:
		f.mu.Lock()
		defer f.mu.Unlock()
		f.inFlight++
		f.seq++
		return v4l2.Frame{Index: f.gen, Data: data, Sequence: f.seq}, nil
	case <-f.wake:
		return v4l2.Frame{}, v4l2.ErrInterrupted
	case <-time.After(timeout):
		return v4l2.Frame{}, v4l2.ErrTimeout
	}
}

func (f *fakeDevice) ReleaseFrame(fr v4l2.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.Index != f.gen || !f.streaming {
		return v4l2.ErrNotOwned
	}
	f.inFlight--
	f.released = append(f.released, fr.Sequence)
	return nil
}

func (f *fakeDevice) Interrupt() error {
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) Streaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming
}

func (f *fakeDevice) Format() v4l2.Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format
}

func (f *fakeDevice) Catalog() *v4l2.Catalog { return f.catalog }

func (f *fakeDevice) Ownership() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, 0
}

func (f *fakeDevice) Path() string { return "/dev/video-fake" }

type stubLocator uint8

func (s stubLocator) LocateH264Unit() uint8 { return uint8(s) }

// fakeDecoders records decoder lifecycles; a decoder "decodes" by copying
// its input.
type fakeDecoders struct {
	mu      sync.Mutex
	created []string
	closed  int
}

type copyDecoder struct{ parent *fakeDecoders }

func (d copyDecoder) Decode(out, in []byte) (int, error) { return copy(out, in), nil }

func (d copyDecoder) Close() error {
	d.parent.mu.Lock()
	d.parent.closed++
	d.parent.mu.Unlock()
	return nil
}

func (f *fakeDecoders) factory(codec string) decode.Factory {
	return func(w, h uint32) (decode.Decoder, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.created = append(f.created, fmt.Sprintf("%s %dx%d", codec, w, h))
		return copyDecoder{f}, nil
	}
}

func (f *fakeDecoders) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created), f.closed
}

// muxedFrame wraps an H.264 payload in a JPEG APP4 segment.
func muxedFrame(payload []byte) []byte {
	header := make([]byte, 22)
	binary.LittleEndian.PutUint16(header[0:], 0x0100)
	binary.LittleEndian.PutUint16(header[2:], 22)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(payload)))
	data := append(header, payload...)

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE4, 0, 0}
	binary.BigEndian.PutUint16(frame[4:], uint16(len(data)+2))
	frame = append(frame, data...)
	return append(frame, 0xFF, 0xD9)
}
