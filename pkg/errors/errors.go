// Package errors defines structured error types for the Gatewarden admission service.
// Every client-visible rejection carries a stable error code suitable for
// client-side branching, plus a human-readable message.
package errors

import (
	"fmt"
	"net/http"

	"github.com/gatewarden/gatewarden/pkg/constants"
)

// AdmissionError represents a structured error with a stable code and an HTTP status.
type AdmissionError interface {
	error

	// Code returns the stable machine-readable error code
	Code() constants.ErrorCode

	// HTTPStatus returns the HTTP status code to respond with
	HTTPStatus() int

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause attaches an underlying cause to the error chain
	WithCause(cause error) AdmissionError
}

// baseError is the internal implementation of AdmissionError.
type baseError struct {
	code       constants.ErrorCode
	httpStatus int
	message    string
	cause      error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Code() constants.ErrorCode { return e.code }
func (e *baseError) HTTPStatus() int           { return e.httpStatus }
func (e *baseError) Unwrap() error             { return e.cause }

func (e *baseError) WithCause(cause error) AdmissionError {
	e.cause = cause
	return e
}

// NewError creates a new AdmissionError with the specified parameters.
func NewError(code constants.ErrorCode, httpStatus int, message string) AdmissionError {
	return &baseError{
		code:       code,
		httpStatus: httpStatus,
		message:    message,
	}
}

// ================================================================================
// Predefined Error Constructors
// ================================================================================

// ErrMissingIdempotencyKey creates the terminal client error for a covered
// endpoint called without an idempotency key.
func ErrMissingIdempotencyKey() AdmissionError {
	return NewError(
		constants.ErrCodeMissingIdempotencyKey,
		http.StatusBadRequest,
		"the X-Idempotency-Key header is required on this endpoint",
	)
}

// ErrDuplicateInProgress creates the concurrency error for a key whose
// original request is still in flight.
func ErrDuplicateInProgress(key string) AdmissionError {
	return NewError(
		constants.ErrCodeDuplicateInProgress,
		http.StatusConflict,
		fmt.Sprintf("a request with idempotency key %q is already being processed", key),
	)
}

// ErrKeyReused creates the terminal client error for a key reused with a
// different payload.
func ErrKeyReused(key string) AdmissionError {
	return NewError(
		constants.ErrCodeKeyReused,
		http.StatusUnprocessableEntity,
		fmt.Sprintf("idempotency key %q was already used with a different request payload", key),
	)
}

// ErrRateLimitExceeded creates the throttling error for an exhausted window.
func ErrRateLimitExceeded(rule string, limit int) AdmissionError {
	return NewError(
		constants.ErrCodeRateLimitExceeded,
		http.StatusTooManyRequests,
		fmt.Sprintf("rate limit of %d requests exceeded for %s", limit, rule),
	)
}

// ErrStoreUnavailable creates the infrastructure error surfaced only in
// fail-closed deployments.
func ErrStoreUnavailable(cause error) AdmissionError {
	return NewError(
		constants.ErrCodeStoreUnavailable,
		http.StatusServiceUnavailable,
		"the admission record store is unavailable",
	).WithCause(cause)
}

// ErrInternal wraps an unexpected server-side failure.
func ErrInternal(cause error) AdmissionError {
	return NewError(
		constants.ErrCodeInternal,
		http.StatusInternalServerError,
		"an unexpected error occurred",
	).WithCause(cause)
}

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse is the JSON body returned for every rejection.
type ErrorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// ToErrorResponse converts an AdmissionError to its wire representation.
func ToErrorResponse(err AdmissionError) *ErrorResponse {
	return &ErrorResponse{
		ErrorCode: string(err.Code()),
		Message:   err.Error(),
	}
}

// AsAdmissionError attempts to cast an error to AdmissionError.
func AsAdmissionError(err error) (AdmissionError, bool) {
	admErr, ok := err.(AdmissionError)
	return admErr, ok
}
