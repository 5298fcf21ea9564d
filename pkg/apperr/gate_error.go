package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeForbidden    = "FORBIDDEN"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeMissingField = "MISSING_FIELD"

	// Resource errors
	CodeNotFound = "NOT_FOUND"

	// Credential configuration errors
	CodeIncompleteCredential = "INCOMPLETE_CREDENTIAL"
	CodeMalformedKey         = "MALFORMED_KEY"

	// Upstream errors
	CodeTokenExchangeFailed = "TOKEN_EXCHANGE_FAILED"
	CodeUpstreamRejected    = "UPSTREAM_REJECTED"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
)

// AppError represents a structured application error
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

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

// Credential configuration errors.
// Messages stay field-agnostic: they must never echo credential values.
func IncompleteCredential(provider string) *AppError {
	return &AppError{
		Code:    CodeIncompleteCredential,
		Message: fmt.Sprintf("mail configuration for %s is incomplete", provider),
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"provider": provider},
	}
}

func MalformedKey(err error) *AppError {
	return &AppError{
		Code:    CodeMalformedKey,
		Message: "private key material could not be parsed",
		Status:  http.StatusUnprocessableEntity,
		Err:     err,
	}
}

// Upstream errors
func TokenExchangeFailed(provider, reason string) *AppError {
	msg := fmt.Sprintf("token exchange with %s failed", provider)
	if reason != "" {
		msg += ": " + reason
	}
	return &AppError{
		Code:    CodeTokenExchangeFailed,
		Message: msg,
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
	}
}

func UpstreamRejected(provider string, statusCode int) *AppError {
	return &AppError{
		Code:    CodeUpstreamRejected,
		Message: fmt.Sprintf("%s API error: %d", provider, statusCode),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider, "upstream_status": statusCode},
	}
}

func UpstreamTimeout(provider string) *AppError {
	return &AppError{
		Code:    CodeUpstreamTimeout,
		Message: fmt.Sprintf("%s API request timed out", provider),
		Status:  http.StatusGatewayTimeout,
		Details: map[string]any{"provider": provider},
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Common error instances
var (
	ErrNotFound     = NotFound("resource")
	ErrUnauthorized = Unauthorized("")
	ErrForbidden    = Forbidden("")
	ErrInternal     = Internal("")
	ErrRateLimited  = New("RATE_LIMITED", "too many requests", http.StatusTooManyRequests)
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
