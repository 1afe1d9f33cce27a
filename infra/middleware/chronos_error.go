package middleware

import (
	"runtime/debug"
	"time"

	"chronos_server/core/domain"
	"chronos_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler is the centralized fiber error handler. Sync-core errors are
// mapped through apperr before rendering.
func ErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		response := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var status int
		switch e := err.(type) {
		case *apperr.AppError:
			status = e.Status
			response.Error = ErrorDetail{Code: e.Code, Message: e.Message, Details: e.Details}
			logAppError(log, c, requestID, e)

		case *domain.SyncError:
			ae := apperr.FromSyncError(e)
			status = ae.Status
			response.Error = ErrorDetail{Code: ae.Code, Message: ae.Message, Details: ae.Details}
			logAppError(log, c, requestID, ae)

		case *fiber.Error:
			status = e.Code
			response.Error = ErrorDetail{Code: mapHTTPStatusToCode(e.Code), Message: e.Message}

		default:
			status = fiber.StatusInternalServerError
			response.Error = ErrorDetail{Code: apperr.CodeInternal, Message: "An unexpected error occurred"}
			log.Error().
				Err(err).
				Str("request_id", requestID).
				Str("path", c.Path()).
				Bytes("stack", debug.Stack()).
				Msg("unexpected error")
		}

		return c.Status(status).JSON(response)
	}
}

func logAppError(log zerolog.Logger, c *fiber.Ctx, requestID string, e *apperr.AppError) {
	ev := log.Warn()
	if e.Status >= 500 {
		ev = log.Error()
	}
	ev.Err(e.Err).
		Str("request_id", requestID).
		Str("error_code", e.Code).
		Str("path", c.Path()).
		Msg(e.Message)
}

// RequestID middleware adds a unique request ID to each request.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs each request with its status and duration.
func RequestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		requestID, _ := c.Locals("request_id").(string)
		status := c.Response().StatusCode()

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP())
		if userID := UserID(c); userID != "" {
			ev.Str("user_id", userID)
		}
		ev.Msg("request completed")

		return err
	}
}

// Recover turns panics into 500 responses.
func Recover(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				log.Error().
					Interface("panic", r).
					Str("request_id", requestID).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
					Success:   false,
					RequestID: requestID,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					Error:     ErrorDetail{Code: apperr.CodeInternal, Message: "An unexpected error occurred"},
				})
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeBadRequest
	case 401:
		return apperr.CodeUnauthorized
	case 403:
		return apperr.CodeForbidden
	case 404:
		return apperr.CodeNotFound
	case 429:
		return apperr.CodeRateLimited
	case 500:
		return apperr.CodeInternal
	default:
		return "UNKNOWN_ERROR"
	}
}
