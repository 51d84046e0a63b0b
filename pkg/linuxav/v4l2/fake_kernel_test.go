//go:build linux

package v4l2

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const fakeBufSize = 4096

type fakeSize struct {
	width, height uint32
	rates         []Framerate
}

type fakeFormat struct {
	pix   uint32
	desc  string
	sizes []fakeSize
}

// fakeKernel emulates a UVC capture driver behind the ioctl codes the
// engine issues.
type fakeKernel struct {
	mu sync.Mutex

	caps       uint32
	formats    []fakeFormat
	grantW     uint32
	grantH     uint32
	grantRate  Framerate
	maxBuffers int
	noFill     bool

	nextFD    int
	openFDs   map[int]bool
	buffers   [][]byte
	queued    []uint32
	filled    []uint32
	streaming bool
	woken     bool
	seq       uint32
	munmaps   int
	readData  []byte

	fail  map[uint][]error
	calls map[uint]int
	xu    func(unit, selector, query uint8, data []byte) error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		caps: v4l2CapVideoCapture | v4l2CapStreaming | v4l2CapReadWrite,
		formats: []fakeFormat{
			{
				pix:  PixelFormatMJPEG,
				desc: "Motion-JPEG",
				sizes: []fakeSize{
					{640, 480, []Framerate{{1, 30}, {1, 15}}},
					{1280, 720, []Framerate{{1, 15}}},
				},
			},
			{
				pix:   PixelFormatYUYV,
				desc:  "YUYV 4:2:2",
				sizes: []fakeSize{{640, 480, []Framerate{{1, 30}}}},
			},
		},
		nextFD:  10,
		openFDs: map[int]bool{},
		fail:    map[uint][]error{},
		calls:   map[uint]int{},
	}
}

func (k *fakeKernel) failNext(req uint, errs ...error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fail[req] = append(k.fail[req], errs...)
}

func (k *fakeKernel) callCount(req uint) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[req]
}

func (k *fakeKernel) open(path string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.nextFD
	k.nextFD++
	k.openFDs[fd] = true
	return fd, nil
}

func (k *fakeKernel) close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.openFDs[fd] {
		return unix.EBADF
	}
	delete(k.openFDs, fd)
	return nil
}

func (k *fakeKernel) findFormat(pix uint32) *fakeFormat {
	for i := range k.formats {
		if k.formats[i].pix == pix {
			return &k.formats[i]
		}
	}
	return nil
}

func (k *fakeKernel) ioctl(fd int, req uint, arg unsafe.Pointer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.calls[req]++
	if errs := k.fail[req]; len(errs) > 0 {
		k.fail[req] = errs[1:]
		return errs[0]
	}

	switch req {
	case vidiocQuerycap:
		c := (*v4l2Capability)(arg)
		c.capabilities = k.caps
		copy(c.card[:], "Fake Camera")
		copy(c.driver[:], "uvcvideo")
		copy(c.busInfo[:], "usb-0000:00:14.0-1")

	case vidiocEnumFmt:
		f := (*v4l2Fmtdesc)(arg)
		if int(f.index) >= len(k.formats) {
			return unix.EINVAL
		}
		f.pixelformat = k.formats[f.index].pix
		copy(f.description[:], k.formats[f.index].desc)

	case vidiocEnumFramesizes:
		f := (*v4l2Frmsizeenum)(arg)
		ff := k.findFormat(f.pixelFormat)
		if ff == nil || int(f.index) >= len(ff.sizes) {
			return unix.EINVAL
		}
		f.typ = v4l2FrmsizeTypeDiscrete
		f.discrete = v4l2FrmsizeDiscrete{width: ff.sizes[f.index].width, height: ff.sizes[f.index].height}

	case vidiocEnumFrameintervals:
		f := (*v4l2Frmivalenum)(arg)
		ff := k.findFormat(f.pixelFormat)
		if ff == nil {
			return unix.EINVAL
		}
		for _, sz := range ff.sizes {
			if sz.width == f.width && sz.height == f.height {
				if int(f.index) >= len(sz.rates) {
					return unix.EINVAL
				}
				f.typ = v4l2FrmivalTypeDiscrete
				f.discrete = v4l2Fract{numerator: sz.rates[f.index].Numerator, denominator: sz.rates[f.index].Denominator}
				return nil
			}
		}
		return unix.EINVAL

	case vidiocSFmt:
		if k.streaming {
			return unix.EBUSY
		}
		f := (*v4l2Format)(arg)
		if k.findFormat(f.pix.pixelformat) == nil {
			f.pix.pixelformat = k.formats[0].pix
		}
		if k.grantW != 0 {
			f.pix.width, f.pix.height = k.grantW, k.grantH
		}
		f.pix.bytesperline = f.pix.width * 2
		f.pix.sizeimage = f.pix.width * f.pix.height * 2

	case vidiocSParm:
		p := (*v4l2Streamparm)(arg)
		if k.grantRate.Denominator != 0 {
			p.capture.timeperframe = v4l2Fract{numerator: k.grantRate.Numerator, denominator: k.grantRate.Denominator}
		}
		p.capture.capability = v4l2CapTimePerFrame

	case vidiocReqbufs:
		r := (*v4l2Requestbuffers)(arg)
		if r.count == 0 {
			k.buffers = nil
			k.queued, k.filled = nil, nil
			return nil
		}
		n := int(r.count)
		if k.maxBuffers > 0 && n > k.maxBuffers {
			n = k.maxBuffers
		}
		k.buffers = make([][]byte, n)
		for i := range k.buffers {
			k.buffers[i] = make([]byte, fakeBufSize)
		}
		r.count = uint32(n)

	case vidiocQuerybuf:
		b := (*v4l2Buffer)(arg)
		if int(b.index) >= len(k.buffers) {
			return unix.EINVAL
		}
		b.length = fakeBufSize
		b.setOffset(b.index * fakeBufSize)

	case vidiocQbuf:
		b := (*v4l2Buffer)(arg)
		if int(b.index) >= len(k.buffers) || k.isQueued(b.index) {
			return unix.EINVAL
		}
		k.queued = append(k.queued, b.index)

	case vidiocDqbuf:
		b := (*v4l2Buffer)(arg)
		if len(k.filled) == 0 {
			return unix.EAGAIN
		}
		idx := k.filled[0]
		k.filled = k.filled[1:]
		k.seq++
		b.index = idx
		b.sequence = k.seq
		b.bytesused = 100
		k.buffers[idx][0] = byte(k.seq)

	case vidiocStreamon:
		k.streaming = true

	case vidiocStreamoff:
		k.streaming = false
		k.queued, k.filled = nil, nil

	case uvciocCtrlQuery:
		q := (*uvcXUControlQuery)(arg)
		if k.xu == nil {
			return unix.ENOENT
		}
		data := unsafe.Slice((*byte)(q.data), int(q.size))
		return k.xu(q.unit, q.selector, q.query, data)

	default:
		return unix.ENOTTY
	}
	return nil
}

func (k *fakeKernel) isQueued(idx uint32) bool {
	for _, q := range k.queued {
		if q == idx {
			return true
		}
	}
	for _, q := range k.filled {
		if q == idx {
			return true
		}
	}
	return false
}

func (k *fakeKernel) mmap(fd int, offset int64, length int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := int(offset / fakeBufSize)
	if i >= len(k.buffers) {
		return nil, unix.EINVAL
	}
	return k.buffers[i][:length], nil
}

func (k *fakeKernel) munmap(b []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.munmaps++
	return nil
}

func (k *fakeKernel) read(fd int, p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return copy(p, k.readData), nil
}

func (k *fakeKernel) eventfd() (int, error) {
	return k.open("eventfd")
}

func (k *fakeKernel) signal(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.woken = true
	return nil
}

func (k *fakeKernel) drain(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.woken = false
	return nil
}

// poll completes the exposure of the oldest queued buffer unless noFill is set.
func (k *fakeKernel) poll(fd, wake int, timeout time.Duration) (bool, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.woken {
		return false, true, nil
	}
	if len(k.filled) == 0 && len(k.queued) > 0 && k.streaming && !k.noFill {
		k.filled = append(k.filled, k.queued[0])
		k.queued = k.queued[1:]
	}
	if k.readData != nil {
		return true, false, nil
	}
	return len(k.filled) > 0, false, nil
}
