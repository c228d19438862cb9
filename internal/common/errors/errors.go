// Package errors provides the application error type carried from the relay
// core to the HTTP and MCP surfaces.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. Callers branch on these; messages are informational.
const (
	ErrCodeInvalidParams  = "invalid_params"
	ErrCodeClientNotFound = "client_not_found"
	ErrCodeTabNotFound    = "tab_not_found"
	ErrCodeTimeout        = "timeout"
	ErrCodeInternalError  = "internal_error"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
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

// InvalidParams reports malformed caller input. It never reaches an agent.
func InvalidParams(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidParams,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ClientNotFound reports a client that is unknown, offline, or whose
// connection can no longer accept frames.
func ClientNotFound(message string) *AppError {
	return &AppError{
		Code:       ErrCodeClientNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// TabNotFound reports a tab that is unknown or not active.
func TabNotFound(clientID, tabID string) *AppError {
	return &AppError{
		Code:       ErrCodeTabNotFound,
		Message:    fmt.Sprintf("tab not found: %s/%s", clientID, tabID),
		HTTPStatus: http.StatusNotFound,
	}
}

// Timeout reports that the agent did not answer in time.
func Timeout(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An AppError keeps its code and status; anything else becomes internal_error.
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

	return InternalError(message, err)
}

// Code returns the stable code of err, or internal_error if err is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Message returns the caller-facing message of err. Errors that are not
// AppErrors read as "internal error" so internals do not leak.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
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
