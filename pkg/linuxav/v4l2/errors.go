//go:build linux

package v4l2

import (
	"errors"
	"fmt"
)

// ErrorCode classifies device-level failures.
type ErrorCode string

// Error codes.
const (
	CodeDevice       ErrorCode = "DEVICE_ERR"
	CodeFormat       ErrorCode = "FORMAT_ERR"
	CodeReqBufs      ErrorCode = "REQBUFS_ERR"
	CodeAlloc        ErrorCode = "ALLOC_ERR"
	CodeResolution   ErrorCode = "RESOL_ERR"
	CodeQueryCap     ErrorCode = "QUERYCAP_ERR"
	CodeQueryBuf     ErrorCode = "QUERYBUF_ERR"
	CodeQBuf         ErrorCode = "QBUF_ERR"
	CodeDQBuf        ErrorCode = "DQBUF_ERR"
	CodeMmap         ErrorCode = "MMAP_ERR"
	CodeRead         ErrorCode = "READ_ERR"
	CodeStreamOn     ErrorCode = "STREAMON_ERR"
	CodeStreamOff    ErrorCode = "STREAMOFF_ERR"
	CodeControl      ErrorCode = "XU_ERR"
	CodeBusy         ErrorCode = "BUSY"
	CodeNotStreaming ErrorCode = "NOT_STREAMING"
	CodeInterrupted  ErrorCode = "INTERRUPTED"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeNotOwned     ErrorCode = "NOT_OWNED"
	CodeClosed       ErrorCode = "CLOSED"
)

// Error is a failed device operation. Op names the ioctl or step, Err
// carries the underlying errno when there is one.
type Error struct {
	Op   string
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrDevice       = &Error{Code: CodeDevice}
	ErrFormat       = &Error{Code: CodeFormat}
	ErrReqBufs      = &Error{Code: CodeReqBufs}
	ErrAlloc        = &Error{Code: CodeAlloc}
	ErrResolution   = &Error{Code: CodeResolution}
	ErrQueryCap     = &Error{Code: CodeQueryCap}
	ErrQueryBuf     = &Error{Code: CodeQueryBuf}
	ErrQBuf         = &Error{Code: CodeQBuf}
	ErrDQBuf        = &Error{Code: CodeDQBuf}
	ErrMmap         = &Error{Code: CodeMmap}
	ErrRead         = &Error{Code: CodeRead}
	ErrStreamOn     = &Error{Code: CodeStreamOn}
	ErrStreamOff    = &Error{Code: CodeStreamOff}
	ErrControl      = &Error{Code: CodeControl}
	ErrBusy         = &Error{Code: CodeBusy}
	ErrNotStreaming = &Error{Code: CodeNotStreaming}
	ErrInterrupted  = &Error{Code: CodeInterrupted}
	ErrTimeout      = &Error{Code: CodeTimeout}
	ErrNotOwned     = &Error{Code: CodeNotOwned}
	ErrClosed       = &Error{Code: CodeClosed}
)

func newError(op string, code ErrorCode, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}
