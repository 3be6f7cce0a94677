package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Status    int          `json:"status"`
	Fields    []FieldError `json:"fields,omitempty"`
	Temporary bool         `json:"-"`
	Err       error        `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so cloned sentinels still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e != nil && e.Temporary
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrRemoteWrite        = New("REMOTE_WRITE_ERROR", http.StatusBadGateway, "remote write failed")
	ErrFeed               = New("FEED_ERROR", http.StatusBadGateway, "collection feed failed")
	ErrCascade            = New("CASCADE_FAILURE", http.StatusInternalServerError, "cascade delete incomplete")
	ErrClosed             = New("VIEW_CLOSED", http.StatusGone, "view closed")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Validation builds a validation error carrying field level details.
func Validation(message string, fields ...FieldError) *Error {
	clone := Clone(ErrValidation, message)
	clone.Fields = append([]FieldError(nil), fields...)
	return clone
}

// RemoteWrite wraps a transport failure for a mutation.
func RemoteWrite(err error, message string) *Error {
	if e := asError(err); e != nil && (e.Code == ErrNotFound.Code || e.Code == ErrForbidden.Code || e.Code == ErrValidation.Code) {
		return e
	}
	return Wrap(err, ErrRemoteWrite.Code, ErrRemoteWrite.Status, message)
}

// Feed wraps a subscription failure. Temporary marks transport drops that may heal on retry.
func Feed(err error, message string, temporary bool) *Error {
	e := Wrap(err, ErrFeed.Code, ErrFeed.Status, message)
	e.Temporary = temporary
	return e
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	e := asError(err)
	return e != nil && e.Code == code
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
