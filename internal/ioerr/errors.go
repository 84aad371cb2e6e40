// Package ioerr defines the structured error type shared by the pipeline
// packages. The root package re-exports it.
package ioerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code is a high-level error category
type Code string

const (
	CodeRegistration         Code = "registration failed"
	CodeSubmission           Code = "submission failed"
	CodeOperation            Code = "operation failed"
	CodeVerificationMismatch Code = "verification mismatch"
	CodeInvalidParameters    Code = "invalid parameters"
	CodeKernelNotSupported   Code = "kernel does not support io_uring"
	CodePermissionDenied     Code = "permission denied"
	CodeIO                   Code = "I/O error"
)

// Error carries the failing operation, the phase and slot it belonged to, and
// the kernel errno when there is one.
type Error struct {
	Op    string        // operation that failed (e.g. "openat", "io_uring_register")
	Phase string        // pipeline phase ("" if not applicable)
	Slot  int           // file slot (-1 if not applicable)
	Code  Code          // high-level error category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	if e.Slot >= 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", e.Slot))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) == 0 {
		return "fixedio: " + msg
	}
	return fmt.Sprintf("fixedio: %s (%s)", msg, strings.Join(parts, " "))
}

// Unwrap exposes the wrapped error and the errno so that errors.Is works
// against both.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Inner != nil {
		errs = append(errs, e.Inner)
	}
	if e.Errno != 0 {
		errs = append(errs, e.Errno)
	}
	return errs
}

// Is matches sentinel errors by code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t != nil && e.Code == t.Code
	case Code:
		return e.Code == t
	}
	return false
}

// Error lets a Code be used directly as an errors.Is target.
func (c Code) Error() string { return string(c) }

// Sentinels for errors.Is comparisons.
var (
	ErrRegistration         = &Error{Code: CodeRegistration, Slot: -1}
	ErrSubmission           = &Error{Code: CodeSubmission, Slot: -1}
	ErrOperation            = &Error{Code: CodeOperation, Slot: -1}
	ErrVerificationMismatch = &Error{Code: CodeVerificationMismatch, Slot: -1}
	ErrInvalidParameters    = &Error{Code: CodeInvalidParameters, Slot: -1}
	ErrKernelNotSupported   = &Error{Code: CodeKernelNotSupported, Slot: -1}
)

// New creates a structured error with no slot context
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Slot: -1}
}

// Newf is New with a formatted message
func Newf(op string, code Code, format string, args ...any) *Error {
	return New(op, code, fmt.Sprintf(format, args...))
}

// NewErrno creates a structured error from a kernel errno
func NewErrno(op string, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Slot: -1}
}

// Registration reports a rejected buffer or file table registration.
func Registration(op string, err error) *Error {
	e := Wrap(op, err)
	e.Code = CodeRegistration
	if e.Errno == syscall.ENOSYS {
		e.Code = CodeKernelNotSupported
	}
	return e
}

// Submission reports a rejected submit or a full submission queue.
func Submission(op string, err error) *Error {
	e := Wrap(op, err)
	e.Code = CodeSubmission
	return e
}

// Operation reports a negative completion result for one chain operation.
func Operation(op, phase string, slot int, res int32) *Error {
	errno := syscall.Errno(-res)
	return &Error{
		Op:    op,
		Phase: phase,
		Slot:  slot,
		Code:  CodeOperation,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// Mismatch reports an observed total that differs from the expected one.
func Mismatch(phase string, observed, expected uint64) *Error {
	return &Error{
		Op:    "verify",
		Phase: phase,
		Slot:  -1,
		Code:  CodeVerificationMismatch,
		Msg:   fmt.Sprintf("observed sum %d, expected %d", observed, expected),
	}
}

// Wrap wraps an existing error with operation context
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		out := *se
		out.Op = op
		return &out
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  codeForErrno(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Slot:  -1,
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: CodeIO, Msg: inner.Error(), Slot: -1, Inner: inner}
}

func codeForErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG, syscall.EFAULT:
		return CodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	default:
		return CodeIO
	}
}

// IsCode checks if any error in the chain carries the given code
func IsCode(err error, code Code) bool {
	return errors.Is(err, code)
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var se *Error
	if errors.As(err, &se) && se.Errno == errno {
		return true
	}
	return errors.Is(err, errno)
}
