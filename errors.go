package fixedio

import (
	"errors"
	"slices"
	"syscall"

	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
)

// Error is the structured error returned by Run. Use errors.Is against the
// sentinels below or errors.As to inspect the op, phase, slot and errno.
type Error = ioerr.Error

// ErrorCode is a high-level error category
type ErrorCode = ioerr.Code

const (
	ErrCodeRegistration         = ioerr.CodeRegistration
	ErrCodeSubmission           = ioerr.CodeSubmission
	ErrCodeOperation            = ioerr.CodeOperation
	ErrCodeVerificationMismatch = ioerr.CodeVerificationMismatch
	ErrCodeInvalidParameters    = ioerr.CodeInvalidParameters
	ErrCodeKernelNotSupported   = ioerr.CodeKernelNotSupported
	ErrCodePermissionDenied     = ioerr.CodePermissionDenied
	ErrCodeIO                   = ioerr.CodeIO
)

// Sentinel errors for errors.Is comparisons
var (
	ErrRegistration         = ioerr.ErrRegistration
	ErrSubmission           = ioerr.ErrSubmission
	ErrOperation            = ioerr.ErrOperation
	ErrVerificationMismatch = ioerr.ErrVerificationMismatch
	ErrInvalidParameters    = ioerr.ErrInvalidParameters
	ErrKernelNotSupported   = ioerr.ErrKernelNotSupported
)

// IsCode checks if any error in the chain carries the given code
func IsCode(err error, code ErrorCode) bool { return ioerr.IsCode(err, code) }

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool { return ioerr.IsErrno(err, errno) }

// FailedSlots returns the file slots named by the chain errors joined into
// err, in order of first appearance. A slot that failed in more than one
// phase is listed once.
func FailedSlots(err error) []int {
	var slots []int
	var walk func(error)
	walk = func(e error) {
		switch t := e.(type) {
		case nil:
		case *Error:
			if t.Slot >= 0 && !slices.Contains(slots, t.Slot) {
				slots = append(slots, t.Slot)
			}
		case interface{ Unwrap() []error }:
			for _, inner := range t.Unwrap() {
				walk(inner)
			}
		default:
			walk(errors.Unwrap(e))
		}
	}
	walk(err)
	return slots
}
