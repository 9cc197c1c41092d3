package monitor

import (
	"errors"
	"fmt"
)

// Error is a monitor failure with a stable code.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Cell is the affected cell key, if any.
	Cell string
}

// ErrorCode categorizes monitor errors.
type ErrorCode string

const (
	// ErrCodeUnsafeWrite indicates a write would replace ciphertext with
	// plaintext.
	ErrCodeUnsafeWrite ErrorCode = "UNSAFE_WRITE"

	// ErrCodeMalformedKey indicates a cell key that does not parse.
	ErrCodeMalformedKey ErrorCode = "MALFORMED_KEY"

	// ErrCodeUnknownConflict indicates a resolution for a conflict that is
	// not open.
	ErrCodeUnknownConflict ErrorCode = "UNKNOWN_CONFLICT"

	// ErrCodeDisposed indicates a call on a disposed monitor.
	ErrCodeDisposed ErrorCode = "DISPOSED"

	// ErrCodeInvalidConfig indicates a missing or inconsistent setting.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cell != "" {
		return fmt.Sprintf("%s: %s (cell=%s)", e.Code, e.Message, e.Cell)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsUnsafeWrite reports whether err is an encryption-downgrade refusal.
// Uses errors.As to handle wrapped errors.
func IsUnsafeWrite(err error) bool { return hasCode(err, ErrCodeUnsafeWrite) }

// IsDisposed reports whether err came from a disposed monitor.
func IsDisposed(err error) bool { return hasCode(err, ErrCodeDisposed) }

// IsUnknownConflict reports whether err names a conflict that is not open.
func IsUnknownConflict(err error) bool { return hasCode(err, ErrCodeUnknownConflict) }

// NewUnsafeWriteError creates an Error for a refused plaintext write.
func NewUnsafeWriteError(cell string) *Error {
	return &Error{
		Code:    ErrCodeUnsafeWrite,
		Message: "refusing to overwrite encrypted content with plaintext",
		Cell:    cell,
	}
}

func errDisposed() *Error {
	return &Error{Code: ErrCodeDisposed, Message: "monitor is disposed"}
}

func errMalformedKey(key string, cause error) *Error {
	return &Error{Code: ErrCodeMalformedKey, Message: cause.Error(), Cell: key}
}

func errInvalidConfig(msg string) *Error {
	return &Error{Code: ErrCodeInvalidConfig, Message: msg}
}

// NewUnknownConflictError creates an Error for a conflict id that is not
// open.
func NewUnknownConflictError(id string) *Error {
	return &Error{Code: ErrCodeUnknownConflict, Message: fmt.Sprintf("no open conflict %q", id)}
}
