// Package apperr defines the errors the ops API returns to operators.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"
	CodeInvalidState = "INVALID_STATE"
	CodeUnauthorized = "UNAUTHORIZED"

	CodeNotFound = "NOT_FOUND"
	CodeLocked   = "JOB_LOCKED"

	CodeOAuthFailed   = "OAUTH_FAILED"
	CodeSyncFailed    = "SYNC_FAILED"
	CodeInternalError = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and the HTTP status it maps to.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key to Details and returns e.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the wrapped error and returns e.
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	return New(CodeInvalidInput, fmt.Sprintf("invalid input for '%s': %s", field, reason), http.StatusBadRequest).
		WithDetail("field", field)
}

func MissingField(field string) *AppError {
	return New(CodeMissingField, "missing required field: "+field, http.StatusBadRequest).
		WithDetail("field", field)
}

// InvalidState is returned by the OAuth callback for an unknown, expired or
// already used state.
func InvalidState() *AppError {
	return New(CodeInvalidState, "invalid or expired state", http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

// Locked is returned when another run already holds the job.
func Locked() *AppError {
	return New(CodeLocked, "job is already syncing", http.StatusConflict)
}

func OAuthFailed(provider string, err error) *AppError {
	return Wrap(err, CodeOAuthFailed, "OAuth failed for "+provider, http.StatusBadGateway).
		WithDetail("provider", provider)
}

// SyncFailed reports a run that finished with status failed.
func SyncFailed(jobID int64, message string) *AppError {
	return New(CodeSyncFailed, message, http.StatusUnprocessableEntity).
		WithDetail("job_id", jobID)
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return New(CodeInternalError, message, http.StatusInternalServerError)
}

func InternalWithError(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

// AsAppError returns the AppError in err's chain, or an internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}
