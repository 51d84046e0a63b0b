//go:build linux

package v4l2

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used for ioctl failures and negotiation notes.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Device) { d.policy = p }
}

// WithBufferCount sets how many buffers are requested from the driver.
func WithBufferCount(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.bufferCount = n
		}
	}
}

// WithCaptureMethod selects mmap streaming or read() capture.
func WithCaptureMethod(m CaptureMethod) Option {
	return func(d *Device) { d.method = m }
}

// WithRetryObserver is called whenever an ioctl needed more than one
// attempt, with the final outcome.
func WithRetryObserver(fn func(op string, attempts int, err error)) Option {
	return func(d *Device) { d.observe = fn }
}

func withKernel(k kernel) Option {
	return func(d *Device) { d.k = k }
}

type slotOwner uint8

const (
	ownerKernel slotOwner = iota
	ownerEngine
)

type slot struct {
	mem   []byte
	owner slotOwner
}

// Frame is a read-only view of one captured buffer. Data aliases kernel
// mapped memory and is only valid until the frame is released.
type Frame struct {
	Index     int
	Data      []byte
	Sequence  uint32
	Timestamp time.Duration
	epoch     uint64
}

// Device owns an open video node: its descriptor, negotiated format, and
// buffer ring. All methods are safe for concurrent use; AcquireFrame
// releases the device lock while it waits for the driver.
type Device struct {
	mu sync.Mutex

	k           kernel
	logger      *slog.Logger
	policy      RetryPolicy
	observe     func(op string, attempts int, err error)
	method      CaptureMethod
	bufferCount int

	path    string
	fd      int
	wake    int
	caps    uint32
	card    string
	driver  string
	busInfo string
	catalog *Catalog

	format     Format
	configured bool
	streaming  bool
	epoch      uint64
	ring       []slot
	readBuf    []byte
	readOut    bool
	closed     bool
}

// OpenDevice opens path and queries its capabilities and format catalog.
// The device is not configured; call Configure before streaming.
func OpenDevice(path string, opts ...Option) (*Device, error) {
	d := &Device{
		k:           sysKernel{},
		logger:      slog.With("component", "v4l2"),
		policy:      DefaultRetryPolicy,
		bufferCount: DefaultBufferCount,
		path:        path,
		fd:          -1,
		wake:        -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("device", path)

	if err := d.init(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Open opens path and negotiates the requested format.
func Open(path string, req Format, opts ...Option) (*Device, error) {
	d, err := OpenDevice(path, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := d.Configure(req); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	fd, err := d.k.open(d.path)
	if err != nil {
		d.logger.Error("failed to open device", "error", err)
		return newError("open "+d.path, CodeDevice, err)
	}
	d.fd = fd

	wake, err := d.k.eventfd()
	if err != nil {
		return newError("eventfd", CodeDevice, err)
	}
	d.wake = wake

	cap := v4l2Capability{}
	if err := d.xioctl("VIDIOC_QUERYCAP", CodeQueryCap, vidiocQuerycap, unsafe.Pointer(&cap)); err != nil {
		return err
	}
	d.caps = effectiveCaps(&cap)
	d.card = cstr(cap.card[:])
	d.driver = cstr(cap.driver[:])
	d.busInfo = cstr(cap.busInfo[:])

	if d.caps&v4l2CapVideoCapture == 0 {
		return newError("VIDIOC_QUERYCAP: not a video capture device", CodeQueryCap, nil)
	}
	switch d.method {
	case CaptureMmap:
		if d.caps&v4l2CapStreaming == 0 {
			return newError("VIDIOC_QUERYCAP: streaming I/O not supported", CodeQueryCap, nil)
		}
	case CaptureRead:
		if d.caps&v4l2CapReadWrite == 0 {
			return newError("VIDIOC_QUERYCAP: read I/O not supported", CodeQueryCap, nil)
		}
	}

	catalog, err := enumerateCatalog(d.k, d.fd)
	if err != nil {
		return err
	}
	d.catalog = catalog

	d.logger.Debug("device opened", "card", d.card, "driver", d.driver, "bus", d.busInfo, "formats", catalog.Len())
	return nil
}

// Configure sets the pixel format, resolution and frame rate. The driver
// may adjust the resolution and frame rate; the adjusted values are adopted
// and returned. Configure is rejected with ErrBusy while streaming.
func (d *Device) Configure(req Format) (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Format{}, newError("configure", CodeClosed, nil)
	}
	if d.streaming {
		return d.format, newError("configure", CodeBusy, nil)
	}

	f := v4l2Format{typ: v4l2BufTypeVideoCapture}
	f.pix.width = req.Width
	f.pix.height = req.Height
	f.pix.pixelformat = req.PixelFormat
	f.pix.field = v4l2FieldAny
	if err := d.xioctl("VIDIOC_S_FMT", CodeFormat, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return d.format, err
	}
	if f.pix.pixelformat != req.PixelFormat {
		return d.format, newError(fmt.Sprintf("VIDIOC_S_FMT: %s not accepted, driver chose %s",
			FormatFourCC(req.PixelFormat), FormatFourCC(f.pix.pixelformat)), CodeFormat, nil)
	}
	if f.pix.width != req.Width || f.pix.height != req.Height {
		d.logger.Warn("driver adjusted resolution",
			"requested", fmt.Sprintf("%dx%d", req.Width, req.Height),
			"granted", fmt.Sprintf("%dx%d", f.pix.width, f.pix.height))
	}

	d.format = Format{
		PixelFormat:  f.pix.pixelformat,
		Width:        f.pix.width,
		Height:       f.pix.height,
		Framerate:    req.Framerate,
		BytesPerLine: f.pix.bytesperline,
		SizeImage:    f.pix.sizeimage,
	}

	if req.Framerate.Numerator != 0 && req.Framerate.Denominator != 0 {
		d.format.Framerate = d.setFramerate(req.Framerate)
	}

	switch d.method {
	case CaptureMmap:
		d.ring = make([]slot, 0, d.bufferCount)
	case CaptureRead:
		size := int(d.format.SizeImage)
		if size == 0 {
			size = int(d.format.Width * d.format.Height * 2)
		}
		d.readBuf = make([]byte, size)
	}
	d.configured = true

	d.logger.Info("format configured", "format", d.format.String(), "method", d.method.String())
	return d.format, nil
}

// setFramerate applies the frame period with S_PARM. It is best-effort:
// drivers without TIMEPERFRAME keep the requested value as a hint.
func (d *Device) setFramerate(fr Framerate) Framerate {
	parm := v4l2Streamparm{typ: v4l2BufTypeVideoCapture}
	parm.capture.timeperframe = v4l2Fract{numerator: fr.Numerator, denominator: fr.Denominator}
	if err := d.xioctl("VIDIOC_S_PARM", CodeFormat, vidiocSParm, unsafe.Pointer(&parm)); err != nil {
		d.logger.Info("frame rate not applied", "requested", fr.String())
		return fr
	}
	got := Framerate{
		Numerator:   parm.capture.timeperframe.numerator,
		Denominator: parm.capture.timeperframe.denominator,
	}
	if got.Numerator == 0 || got.Denominator == 0 {
		return fr
	}
	if got != fr {
		d.logger.Warn("driver adjusted frame rate", "requested", fr.String(), "granted", got.String())
	}
	return got
}

// StartStreaming requests and maps the buffer ring, queues every buffer to
// the driver and turns the stream on.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return newError("start streaming", CodeClosed, nil)
	}
	if !d.configured {
		return newError("start streaming: format not configured", CodeFormat, nil)
	}
	if d.streaming {
		return nil
	}

	if d.method == CaptureRead {
		d.streaming = true
		d.epoch++
		return nil
	}

	if err := d.allocRing(); err != nil {
		d.freeRing()
		return err
	}

	typ := uint32(v4l2BufTypeVideoCapture)
	if err := d.xioctl("VIDIOC_STREAMON", CodeStreamOn, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		d.freeRing()
		return err
	}

	d.streaming = true
	d.epoch++
	d.logger.Debug("streaming started", "buffers", len(d.ring))
	return nil
}

func (d *Device) allocRing() error {
	req := v4l2Requestbuffers{
		count:  uint32(d.bufferCount),
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMmap,
	}
	if err := d.xioctl("VIDIOC_REQBUFS", CodeReqBufs, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return err
	}
	if req.count == 0 {
		return newError("VIDIOC_REQBUFS: driver granted no buffers", CodeAlloc, nil)
	}
	if int(req.count) != d.bufferCount {
		d.logger.Info("driver adjusted buffer count", "requested", d.bufferCount, "granted", req.count)
	}

	d.ring = make([]slot, 0, req.count)
	for i := uint32(0); i < req.count; i++ {
		buf := v4l2Buffer{index: i, typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
		if err := d.xioctl("VIDIOC_QUERYBUF", CodeQueryBuf, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			return err
		}
		mem, err := d.k.mmap(d.fd, int64(buf.offset()), int(buf.length))
		if err != nil {
			d.logger.Error("mmap failed", "index", i, "error", err)
			return newError(fmt.Sprintf("mmap buffer %d", i), CodeMmap, err)
		}
		d.ring = append(d.ring, slot{mem: mem, owner: ownerEngine})
	}

	for i := range d.ring {
		if err := d.queue(i); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) queue(i int) error {
	buf := v4l2Buffer{index: uint32(i), typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
	if err := d.xioctl("VIDIOC_QBUF", CodeQBuf, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return err
	}
	d.ring[i].owner = ownerKernel
	return nil
}

// freeRing unmaps every buffer and releases them in the driver.
func (d *Device) freeRing() {
	for i := range d.ring {
		if d.ring[i].mem != nil {
			if err := d.k.munmap(d.ring[i].mem); err != nil {
				d.logger.Warn("munmap failed", "index", i, "error", err)
			}
		}
	}
	d.ring = d.ring[:0]

	if d.fd < 0 {
		return
	}
	req := v4l2Requestbuffers{typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
	if err := d.xioctl("VIDIOC_REQBUFS", CodeReqBufs, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		d.logger.Debug("buffer release failed", "error", err)
	}
}

// AcquireFrame waits up to timeout (negative waits forever) for a filled
// buffer and dequeues it. The frame must be handed back with ReleaseFrame.
// Interrupt makes a waiting call return ErrInterrupted.
func (d *Device) AcquireFrame(timeout time.Duration) (Frame, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Frame{}, newError("acquire", CodeClosed, nil)
	}
	if !d.streaming {
		d.mu.Unlock()
		return Frame{}, newError("acquire", CodeNotStreaming, nil)
	}
	if d.method == CaptureRead && d.readOut {
		d.mu.Unlock()
		return Frame{}, newError("acquire: previous frame not released", CodeBusy, nil)
	}
	fd, wake := d.fd, d.wake
	d.mu.Unlock()

	var readable, woken bool
	_, err := d.policy.Do(func() error {
		var err error
		readable, woken, err = d.k.poll(fd, wake, timeout)
		return err
	})

	d.mu.Lock()
	defer d.mu.Unlock()

	if woken {
		if d.wake >= 0 {
			d.k.drain(d.wake)
		}
		return Frame{}, newError("acquire", CodeInterrupted, nil)
	}
	if d.closed {
		return Frame{}, newError("acquire", CodeClosed, nil)
	}
	if !d.streaming {
		return Frame{}, newError("acquire", CodeNotStreaming, nil)
	}
	if err != nil {
		d.logger.Error("poll failed", "error", err)
		return Frame{}, newError("poll", CodeDevice, err)
	}
	if !readable {
		return Frame{}, newError("acquire", CodeTimeout, nil)
	}

	if d.method == CaptureRead {
		return d.readFrame()
	}

	buf := v4l2Buffer{typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMmap}
	if err := d.xioctl("VIDIOC_DQBUF", CodeDQBuf, vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return Frame{}, err
	}
	i := int(buf.index)
	if i >= len(d.ring) || d.ring[i].owner != ownerKernel {
		return Frame{}, newError(fmt.Sprintf("VIDIOC_DQBUF: unexpected buffer %d", i), CodeDQBuf, nil)
	}
	d.ring[i].owner = ownerEngine

	n := min(int(buf.bytesused), len(d.ring[i].mem))
	sec, usec := buf.timestamp()
	return Frame{
		Index:     i,
		Data:      d.ring[i].mem[:n:n],
		Sequence:  buf.sequence,
		Timestamp: time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
		epoch:     d.epoch,
	}, nil
}

func (d *Device) readFrame() (Frame, error) {
	var n int
	attempts, err := d.policy.Do(func() error {
		var err error
		n, err = d.k.read(d.fd, d.readBuf)
		return err
	})
	if attempts > 1 && d.observe != nil {
		d.observe("read", attempts, err)
	}
	if err != nil {
		d.logger.Error("read failed", "error", err)
		return Frame{}, newError("read", CodeRead, err)
	}
	d.readOut = true
	return Frame{Data: d.readBuf[:n:n], epoch: d.epoch}, nil
}

// ReleaseFrame hands a frame's buffer back to the driver. Frames from an
// earlier streaming session, or ones already released, are rejected with
// ErrNotOwned.
func (d *Device) ReleaseFrame(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return newError("release", CodeClosed, nil)
	}
	if !d.streaming || f.epoch != d.epoch {
		return newError("release: stale frame", CodeNotOwned, nil)
	}
	if d.method == CaptureRead {
		if !d.readOut {
			return newError("release: frame already released", CodeNotOwned, nil)
		}
		d.readOut = false
		return nil
	}
	if f.Index < 0 || f.Index >= len(d.ring) || d.ring[f.Index].owner != ownerEngine {
		return newError(fmt.Sprintf("release: buffer %d not held", f.Index), CodeNotOwned, nil)
	}
	return d.queue(f.Index)
}

// StopStreaming turns the stream off and unmaps the ring. Frames still
// held become invalid.
func (d *Device) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Device) stopLocked() error {
	if !d.streaming {
		return nil
	}
	d.streaming = false
	d.epoch++
	d.readOut = false

	if d.method == CaptureRead {
		return nil
	}

	typ := uint32(v4l2BufTypeVideoCapture)
	err := d.xioctl("VIDIOC_STREAMOFF", CodeStreamOff, vidiocStreamoff, unsafe.Pointer(&typ))
	d.freeRing()
	d.logger.Debug("streaming stopped")
	return err
}

// Interrupt wakes a goroutine blocked in AcquireFrame. If none is waiting
// the next AcquireFrame returns ErrInterrupted immediately.
func (d *Device) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wake < 0 {
		return nil
	}
	return d.k.signal(d.wake)
}

// Close stops streaming and releases the descriptor. It is safe on a
// partially opened device and on repeated calls.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	err := d.stopLocked()
	d.configured = false
	if d.fd >= 0 {
		if cerr := d.k.close(d.fd); cerr != nil && err == nil {
			err = newError("close", CodeDevice, cerr)
		}
		d.fd = -1
	}
	if d.wake >= 0 {
		d.k.close(d.wake)
		d.wake = -1
	}
	d.closed = true
	return err
}

// QueryControl issues a UVC extension unit request. data is both the
// request payload and the reply buffer; its length is the control size.
func (d *Device) QueryControl(unit, selector, query uint8, data []byte) error {
	if len(data) == 0 || len(data) > 0xffff {
		return newError(fmt.Sprintf("UVCIOC_CTRL_QUERY: invalid size %d", len(data)), CodeControl, nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return newError("UVCIOC_CTRL_QUERY", CodeClosed, nil)
	}

	q := uvcXUControlQuery{
		unit:     unit,
		selector: selector,
		query:    query,
		size:     uint16(len(data)),
		data:     unsafe.Pointer(&data[0]),
	}
	err := d.xioctl(fmt.Sprintf("UVCIOC_CTRL_QUERY selector 0x%02x query 0x%02x", selector, query),
		CodeControl, uvciocCtrlQuery, unsafe.Pointer(&q))
	runtime.KeepAlive(data)
	return err
}

// AdoptNegotiated replaces the resolution and frame rate with values
// granted by an out-of-band negotiation. It is rejected while streaming.
func (d *Device) AdoptNegotiated(width, height uint32, fr Framerate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return newError("adopt negotiated format", CodeBusy, nil)
	}
	d.format.Width = width
	d.format.Height = height
	if fr.Numerator != 0 && fr.Denominator != 0 {
		d.format.Framerate = fr
	}
	return nil
}

func (d *Device) xioctl(op string, code ErrorCode, req uint, arg unsafe.Pointer) error {
	attempts, err := d.policy.Do(func() error {
		return d.k.ioctl(d.fd, req, arg)
	})
	if attempts > 1 && d.observe != nil {
		d.observe(op, attempts, err)
	}
	if err != nil {
		d.logger.Warn("ioctl failed", "op", op, "attempts", attempts, "error", err.Error())
		return newError(op, code, err)
	}
	return nil
}

// Format returns the negotiated format.
func (d *Device) Format() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Catalog returns the device's format catalog. Callers appending to it
// must serialize with each other.
func (d *Device) Catalog() *Catalog {
	return d.catalog
}

// Ownership reports how many ring buffers the engine holds and how many are
// queued to the driver. Between StartStreaming and StopStreaming the two
// always sum to the ring size.
func (d *Device) Ownership() (engine, kernel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.ring {
		if s.owner == ownerEngine {
			engine++
		} else {
			kernel++
		}
	}
	return engine, kernel
}

// Streaming reports whether the stream is on.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// Card returns the driver-reported device name.
func (d *Device) Card() string { return d.card }

// BusInfo returns the driver-reported bus location, e.g. "usb-0000:00:14.0-1".
func (d *Device) BusInfo() string { return d.busInfo }

// Method returns the capture method.
func (d *Device) Method() CaptureMethod { return d.method }
