// Package errors provides the application error taxonomy for the bot
// lifecycle manager.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeLimitExceeded      = "LIMIT_EXCEEDED"
	ErrCodeIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrCodeIllegalState       = "ILLEGAL_STATE"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeOrchestratorFailed = "ORCHESTRATOR_FAILED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error. Used for duplicate non-terminal
// reservations of the same (user, platform, native meeting id).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// LimitExceeded creates the admission refusal for a user at their
// concurrency cap. Not retryable.
func LimitExceeded(max int) *AppError {
	return &AppError{
		Code:       ErrCodeLimitExceeded,
		Message:    fmt.Sprintf("maximum concurrent bots limit reached (%d)", max),
		HTTPStatus: http.StatusConflict,
	}
}

// IllegalTransition creates the compare-and-set failure for a status edge
// that is not in the lifecycle DAG.
func IllegalTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeIllegalTransition,
		Message:    fmt.Sprintf("illegal status transition %s -> %s", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// IllegalState creates the refusal for an operation on a meeting in the
// wrong lifecycle state (e.g. reconfiguring a stopped bot).
func IllegalState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeIllegalState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unavailable creates a transient failure for the store, bus or
// orchestrator. Callers retry with bounded backoff before surfacing it.
func Unavailable(service string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// OrchestratorFailed creates the error for a refused container create or
// start. The meeting is compensated to failed and the caller sees 502.
func OrchestratorFailed(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeOrchestratorFailed,
		Message:    fmt.Sprintf("orchestrator %s failed", op),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode checks whether the error carries the given application code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return IsCode(err, ErrCodeConflict)
}

// IsLimitExceeded checks if the error is an admission refusal.
func IsLimitExceeded(err error) bool {
	return IsCode(err, ErrCodeLimitExceeded)
}

// IsIllegalTransition checks if the error is a failed status compare-and-set.
func IsIllegalTransition(err error) bool {
	return IsCode(err, ErrCodeIllegalTransition)
}

// IsUnavailable checks if the error is a transient dependency failure.
func IsUnavailable(err error) bool {
	return IsCode(err, ErrCodeUnavailable)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
