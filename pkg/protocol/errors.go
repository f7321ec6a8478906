package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies gateway errors for both wire frames and Go callers.
type ErrorCode string

const (
	CodeInvalid             ErrorCode = "Invalid"
	CodeUnauthorized        ErrorCode = "Unauthorized"
	CodeNotFound            ErrorCode = "NotFound"
	CodeConflict            ErrorCode = "Conflict"
	CodeCapacityExceeded    ErrorCode = "CapacityExceeded"
	CodeRateLimited         ErrorCode = "RateLimited"
	CodeBusy                ErrorCode = "Busy"
	CodeCancelled           ErrorCode = "Cancelled"
	CodeCancellationTimeout ErrorCode = "CancellationTimeout"
	CodeFrameTooLarge       ErrorCode = "FrameTooLarge"
	CodeBackpressure        ErrorCode = "Backpressure"
	CodeNotConnected        ErrorCode = "NotConnected"
	CodeTransient           ErrorCode = "Transient"
	CodeInternal            ErrorCode = "Internal"
)

// Error is a coded gateway error. It travels across component boundaries and
// maps one-to-one onto the wire ErrorPayload.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped cause, not serialized
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a coded error.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and context to an underlying error.
func Wrap(code ErrorCode, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf("%s: %v", fmt.Sprintf(format, args...), err),
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is worth retrying. Only transport-level and
// runner-declared transient failures qualify; hard errors never do.
func Retryable(err error) bool {
	return IsCode(err, CodeTransient)
}

// PayloadOf converts err to its wire form.
func PayloadOf(err error) *ErrorPayload {
	var ge *Error
	if errors.As(err, &ge) {
		return &ErrorPayload{Code: ge.Code, Message: ge.Message}
	}
	return &ErrorPayload{Code: CodeInternal, Message: err.Error()}
}
