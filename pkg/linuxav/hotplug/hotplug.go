//go:build linux

// Package hotplug listens to kernel uevents on a netlink socket without cgo
// and reports when a video device node goes away.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Uevent actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// Subsystems a capture cares about.
const (
	SubsystemVideo4Linux = "video4linux"
	SubsystemUSB         = "usb"
)

// pollInterval bounds how long Run waits before rechecking its context.
const pollInterval = 500 * time.Millisecond

// Event is one kernel uevent.
type Event struct {
	Action    string
	KObj      string // sysfs path without /sys
	Subsystem string
	DevType   string
	DevName   string // relative to /dev, e.g. "video0"
	Seqnum    uint64
	Env       map[string]string
}

// Node returns the device node of the event, or "" when it has none.
func (e Event) Node() string {
	switch {
	case e.DevName == "":
		return ""
	case strings.HasPrefix(e.DevName, "/"):
		return e.DevName
	default:
		return "/dev/" + e.DevName
	}
}

// receiver delivers raw uevent datagrams. Recv returns 0 and no error when
// nothing arrived within timeout.
type receiver interface {
	Recv(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

type netlinkConn struct {
	fd int
}

func dialNetlink() (*netlinkConn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	// Group 1 is the kernel broadcast group.
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &netlinkConn{fd: fd}, nil
}

func (c *netlinkConn) Recv(buf []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _, err = unix.Recvfrom(c.fd, buf, unix.MSG_DONTWAIT)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

func (c *netlinkConn) Close() error {
	return unix.Close(c.fd)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithSubsystems limits delivered events to the given subsystems.
func WithSubsystems(subsystems ...string) Option {
	return func(m *Monitor) {
		for _, s := range subsystems {
			m.filters[s] = struct{}{}
		}
	}
}

// Monitor receives kernel uevents.
type Monitor struct {
	conn   receiver
	logger *slog.Logger

	filtersMu sync.RWMutex
	filters   map[string]struct{}
}

// NewMonitor opens a netlink uevent socket.
func NewMonitor(opts ...Option) (*Monitor, error) {
	conn, err := dialNetlink()
	if err != nil {
		return nil, err
	}
	return newMonitor(conn, opts...), nil
}

func newMonitor(conn receiver, opts ...Option) *Monitor {
	m := &Monitor{
		conn:    conn,
		logger:  slog.Default(),
		filters: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSubsystemFilter adds a subsystem to deliver. With no filters every
// event is delivered.
func (m *Monitor) AddSubsystemFilter(subsystem string) {
	m.filtersMu.Lock()
	m.filters[subsystem] = struct{}{}
	m.filtersMu.Unlock()
}

func (m *Monitor) accepts(subsystem string) bool {
	m.filtersMu.RLock()
	defer m.filtersMu.RUnlock()
	if len(m.filters) == 0 {
		return true
	}
	_, ok := m.filters[subsystem]
	return ok
}

// Close releases the socket.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Run sends events to out until ctx is done or the socket fails. out is
// closed when Run returns.
func (m *Monitor) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)

	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := m.conn.Recv(buf, pollInterval)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		ev := ParseUEvent(buf[:n])
		if ev == nil {
			m.logger.Debug("Ignoring malformed uevent", "bytes", n)
			continue
		}
		if !m.accepts(ev.Subsystem) {
			continue
		}

		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WatchRemoval calls onRemove when node (a /dev path or a symlink to one)
// is removed. It blocks until ctx is done, returning nil, or the socket
// fails.
func (m *Monitor) WatchRemoval(ctx context.Context, node string, onRemove func(Event)) error {
	target := node
	if resolved, err := filepath.EvalSymlinks(node); err == nil {
		target = resolved
	}

	events := make(chan Event, 16)
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx, events) }()

	m.logger.Debug("Watching for device removal", "node", target)
	for ev := range events {
		if ev.Action != ActionRemove || ev.Node() != target {
			continue
		}
		m.logger.Warn("Device node removed", "node", target, "seqnum", ev.Seqnum)
		onRemove(ev)
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// ParseUEvent parses a kernel uevent datagram of the form
// "ACTION@KOBJ\0KEY=VALUE\0...". Datagrams rebroadcast by udev carry a
// binary "libudev" header which is skipped. It returns nil when data is
// not a uevent.
func ParseUEvent(data []byte) *Event {
	if bytes.HasPrefix(data, []byte("libudev")) {
		data = skipUdevHeader(data)
	}

	parts := bytes.Split(data, []byte{0})
	action, kobj, ok := strings.Cut(string(parts[0]), "@")
	if !ok || action == "" {
		return nil
	}

	ev := &Event{
		Action: action,
		KObj:   kobj,
		Env:    make(map[string]string),
	}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok || key == "" {
			continue
		}
		ev.Env[key] = value

		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVTYPE":
			ev.DevType = value
		case "DEVNAME":
			ev.DevName = value
		case "SEQNUM":
			ev.Seqnum, _ = strconv.ParseUint(value, 10, 64)
		}
	}
	return ev
}

// skipUdevHeader returns the uevent that follows the libudev header, or
// data unchanged when none is found.
func skipUdevHeader(data []byte) []byte {
	for i := 0; i < len(data)-1; i++ {
		if data[i] != 0 {
			continue
		}
		rest := data[i+1:]
		head, _, _ := bytes.Cut(rest, []byte{0})
		if at := bytes.IndexByte(head, '@'); at > 0 && at < 20 && isAction(head[:at]) {
			return rest
		}
	}
	return data
}

func isAction(b []byte) bool {
	for _, c := range b {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
