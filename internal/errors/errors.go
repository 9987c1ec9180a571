// Package errors defines structured error codes shared by the dataset tools.
package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
)

// ErrorCode identifies a class of failure independent of the message text.
type ErrorCode string

const (
	// ErrValidationFailed is returned when one or more rows fail schema validation.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrDuplicateKey is returned when key columns do not uniquely identify rows.
	ErrDuplicateKey ErrorCode = "DUPLICATE_KEY"
	// ErrColumnMismatch is returned when an operation references an absent column.
	ErrColumnMismatch ErrorCode = "COLUMN_MISMATCH"
	// ErrInvalidFormat is returned when a file cannot be parsed.
	ErrInvalidFormat ErrorCode = "INVALID_FORMAT"

	// ErrAlreadyExists is returned when creating something that is already there.
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS"
	// ErrNotFound is returned when a file or directory is missing.
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrStorageError is returned when a filesystem operation fails.
	ErrStorageError ErrorCode = "STORAGE_ERROR"
	// ErrInternal is returned for everything else.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Coded is implemented by errors that carry an ErrorCode.
type Coded interface {
	error
	Code() ErrorCode
	Details() map[string]any
}

// Error is a concrete error with a code, a message and optional details.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.New(ErrAlreadyExists, "")) matches any such error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// CodeOf returns the code of the first Coded error in err's chain. Uncoded
// errors wrapping fs.ErrNotExist are ErrNotFound, anything else is
// ErrInternal. It returns "" for a nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var c Coded
	if stderrors.As(err, &c) {
		return c.Code()
	}
	if stderrors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return ErrInternal
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	switch CodeOf(err) {
	case "":
		return 0
	case ErrValidationFailed, ErrDuplicateKey, ErrColumnMismatch, ErrInvalidFormat:
		return 2
	case ErrAlreadyExists:
		return 3
	case ErrNotFound:
		return 4
	default:
		return 1
	}
}
