// Package middleware holds the fiber middleware of the ops API.
package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/pkg/apperr"
	"ticket_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorResponse is the standard error response format
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

// ToAppError maps domain and store errors onto API errors. Unknown errors
// become internal errors.
func ToAppError(err error) *apperr.AppError {
	var validation *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return apperr.NotFound("mailbox job").WithCause(err)
	case errors.Is(err, domain.ErrJobLocked):
		return apperr.Locked().WithCause(err)
	case errors.Is(err, domain.ErrInvalidState):
		return apperr.InvalidState().WithCause(err)
	case errors.As(err, &validation):
		return apperr.Wrap(err, apperr.CodeInvalidInput, validation.Error(), fiber.StatusBadRequest)
	}
	return apperr.AsAppError(err)
}

// ErrorHandler is a centralized error handler for Fiber
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		response := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			response.Error = ErrorDetail{Code: mapHTTPStatusToCode(fe.Code), Message: fe.Message}
			return c.Status(fe.Code).JSON(response)
		}

		e := ToAppError(err)
		response.Error = ErrorDetail{Code: e.Code, Message: e.Message, Details: e.Details}

		log := logger.WithField("request_id", requestID).
			WithField("error_code", e.Code).
			WithError(err)
		if e.Status >= 500 {
			// never leak internals
			response.Error.Message = "An unexpected error occurred"
			log.Error("Internal error: %s", e.Message)
		} else {
			log.Warn("Client error: %s", e.Message)
		}

		return c.Status(e.Status).JSON(response)
	}
}

// RequestID middleware adds a unique request ID to each request
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

// RequestLogger logs incoming requests and their responses
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID, _ := c.Locals("request_id").(string)

		err := c.Next()

		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})

		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Debug("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}

		return err
	}
}

// Recover middleware recovers from panics
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)

				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")

				err = apperr.Internal("")
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
	case 404:
		return apperr.CodeNotFound
	case 405:
		return "METHOD_NOT_ALLOWED"
	case 409:
		return "CONFLICT"
	case 500:
		return apperr.CodeInternalError
	case 502, 503, 504:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
