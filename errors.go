package nufs

import (
	"errors"
	"fmt"
	"syscall"
)

// DriverError is a wrapper around system errno codes, with a customizable
// error message. The FUSE glue relies on the errno surviving wrapping, so
// everything the core hands back to an upcall must be (or wrap) one of these.
type DriverError struct {
	ErrnoCode syscall.Errno
	message   string
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.ErrnoCode.Error()
}

// Is reports whether this error matches a bare errno, so that
// `errors.Is(err, syscall.ENOENT)` works on anything the core returns.
func (e *DriverError) Is(other error) bool {
	errno, ok := other.(syscall.Errno)
	return ok && errno == e.ErrnoCode
}

// NewDriverError creates a new DriverError with a default message derived from the
// system's error code.
func NewDriverError(errnoCode syscall.Errno) *DriverError {
	return &DriverError{
		ErrnoCode: errnoCode,
		message:   errnoCode.Error(),
	}
}

// NewDriverErrorWithMessage creates a new DriverError from a system error code with a
// custom message.
func NewDriverErrorWithMessage(errnoCode syscall.Errno, message string) *DriverError {
	return &DriverError{
		ErrnoCode: errnoCode,
		message:   fmt.Sprintf("%s: %s", errnoCode.Error(), message),
	}
}

// ErrnoFromError extracts the errno code from an error returned by the core.
// Errors that carry no errno map to EIO.
func ErrnoFromError(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var driverErr *DriverError
	if errors.As(err, &driverErr) {
		return driverErr.ErrnoCode
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
