//go:build linux

package v4l2

import (
	"encoding/binary"
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernel is the syscall surface the capture engine drives. Tests substitute
// a fake driver that interprets the same ioctl codes and structs.
type kernel interface {
	open(path string) (int, error)
	close(fd int) error
	ioctl(fd int, req uint, arg unsafe.Pointer) error
	mmap(fd int, offset int64, length int) ([]byte, error)
	munmap(b []byte) error
	read(fd int, p []byte) (int, error)
	eventfd() (int, error)
	signal(fd int) error
	drain(fd int) error
	// poll waits for fd to become readable or wake to be signaled.
	poll(fd, wake int, timeout time.Duration) (readable, woken bool, err error)
}

type sysKernel struct{}

func (sysKernel) open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (sysKernel) close(fd int) error {
	return unix.Close(fd)
}

func (sysKernel) ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (sysKernel) mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (sysKernel) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (sysKernel) read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (sysKernel) eventfd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func (sysKernel) signal(fd int) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (sysKernel) drain(fd int) error {
	var b [8]byte
	_, err := unix.Read(fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (sysKernel) poll(fd, wake int, timeout time.Duration) (bool, bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(wake), Events: unix.POLLIN},
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if err != nil || n == 0 {
		return false, false, err
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, false, unix.ENODEV
	}
	return fds[0].Revents&unix.POLLIN != 0, fds[1].Revents&unix.POLLIN != 0, nil
}

// RetryPolicy bounds how often a failing ioctl is reissued. Only errors
// accepted by Retryable are retried; anything else surfaces on the first
// attempt.
type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries transient errnos, four attempts in total.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	Retryable:   IsTransient,
}

// IsTransient reports whether err is an interrupted or temporarily
// unavailable system call.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ETIMEDOUT)
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made.
func (p RetryPolicy) Do(op func() error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if err = op(); err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return attempt, err
		}
	}
	return limit, err
}
