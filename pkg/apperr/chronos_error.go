// Package apperr defines the HTTP-facing application error shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"chronos_server/core/domain"
)

// Error codes
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeForbidden    = "FORBIDDEN"

	CodeBadRequest   = "BAD_REQUEST"
	CodeMissingField = "MISSING_FIELD"

	CodeNotFound = "NOT_FOUND"

	CodeRateLimited  = "RATE_LIMITED"
	CodeReauthNeeded = "REAUTH_REQUIRED"
	CodeGoogleError  = "GOOGLE_API_ERROR"
	CodeDatabase     = "DATABASE_ERROR"

	CodeInternal = "INTERNAL_ERROR"
)

// AppError is a structured application error with an HTTP status.
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

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status code.
func (e *AppError) HTTPStatus() int { return e.Status }

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func InvalidToken(message string) *AppError {
	return &AppError{Code: CodeInvalidToken, Message: message, Status: http.StatusUnauthorized}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func RateLimited(message string) *AppError {
	if message == "" {
		message = "too many requests"
	}
	return &AppError{Code: CodeRateLimited, Message: message, Status: http.StatusTooManyRequests}
}

func ReauthRequired(accountID string) *AppError {
	return &AppError{
		Code:    CodeReauthNeeded,
		Message: "google account needs re-authentication",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"account_id": accountID},
	}
}

func GoogleError(err error) *AppError {
	return &AppError{
		Code:    CodeGoogleError,
		Message: "google calendar api error",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError}
}

// FromSyncError maps a sync-core error into the HTTP error shape. Unknown
// errors become opaque 500s.
func FromSyncError(err error) *AppError {
	var se *domain.SyncError
	if !errors.As(err, &se) {
		var ae *AppError
		if errors.As(err, &ae) {
			return ae
		}
		return Internal("").withCause(err)
	}

	switch se.Kind {
	case domain.ErrAuth:
		return ReauthRequired("").withCause(err)
	case domain.ErrBadRequest:
		return BadRequest(se.Message).withCause(err)
	case domain.ErrQuota, domain.ErrRateLimited:
		return RateLimited("google api quota exhausted").withCause(err)
	case domain.ErrPersist:
		return DatabaseError("event upsert", err)
	case domain.ErrServer, domain.ErrNetwork, domain.ErrSyncTokenExpired:
		return GoogleError(err)
	default:
		return Internal("").withCause(err)
	}
}

func (e *AppError) withCause(err error) *AppError {
	e.Err = err
	return e
}

// Common error instances
var (
	ErrNotFound     = NotFound("resource")
	ErrUnauthorized = Unauthorized("")
	ErrForbidden    = Forbidden("")
	ErrInternal     = Internal("")
)
