// Package errors defines the application error type used across the
// CLI and the status API. Every error carries a stable machine code so
// HTTP clients and exit-code handling never parse message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and an HTTP mapping.
type AppError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches structured context for the HTTP envelope.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// HTTPStatus maps the code to an HTTP status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func NewValidationFailed(message string, err error) *AppError {
	return &AppError{Code: CodeValidationFailed, Message: message, Err: err}
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

func NewStorageUnavailable(message string, err error) *AppError {
	return &AppError{Code: CodeStorageUnavailable, Message: message, Err: err}
}

func NewInternal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// AsAppError extracts an AppError from err's chain, wrapping unknown
// errors as INTERNAL_ERROR.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternal("internal error", err)
}
