package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"modelopt/internal/fault"
	"modelopt/internal/http/middleware"
	"modelopt/internal/service"
)

// errorPayload is the body of every non-2xx JSON response.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	errFileRequired = errors.New("file is required")
	errInvalidBody  = errors.New("request body is not valid JSON")
)

// writeError answers with a machine-readable code and a message that is
// safe to show to the caller.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorPayload{
		RequestID: middleware.RequestIDFromCtx(c),
		Error:     errorEnvelope{Code: code, Message: message},
	})
}

// writeFault maps a service error onto the error envelope. Server faults
// are recorded for the access log and answered with a generic message.
func writeFault(c *fiber.Ctx, err error) error {
	status, env := classify(err)
	if status >= fiber.StatusInternalServerError {
		c.Locals(middleware.ErrorLocalKey, err)
	}
	return writeError(c, status, env.Code, env.Message)
}

// classify is the single place deciding which errors callers may see.
// Client faults carry their own message; everything else is generic.
func classify(err error) (int, errorEnvelope) {
	var (
		im *fault.InvalidModelError
		is *fault.InvalidSettingsError
		le *fault.LimitExceededError
	)
	switch {
	case errors.As(err, &im):
		return fiber.StatusBadRequest, errorEnvelope{"INVALID_MODEL", err.Error()}
	case errors.As(err, &is):
		return fiber.StatusBadRequest, errorEnvelope{"INVALID_SETTINGS", err.Error()}
	case errors.As(err, &le):
		if le.Limit == fault.LimitStorageQuota {
			return fiber.StatusForbidden, errorEnvelope{"STORAGE_QUOTA_EXCEEDED", err.Error()}
		}
		return fiber.StatusRequestEntityTooLarge, errorEnvelope{"FILE_TOO_LARGE", err.Error()}
	case errors.Is(err, fault.ErrInvalidJobID):
		return fiber.StatusBadRequest, errorEnvelope{"INVALID_JOB_ID", "invalid job id format"}
	case errors.Is(err, fault.ErrInvalidKey):
		return fiber.StatusBadRequest, errorEnvelope{"INVALID_KEY", "invalid file key"}
	case errors.Is(err, errFileRequired):
		return fiber.StatusBadRequest, errorEnvelope{"FILE_REQUIRED", "file is required"}
	case errors.Is(err, errInvalidBody):
		return fiber.StatusBadRequest, errorEnvelope{"INVALID_BODY", err.Error()}
	case errors.Is(err, fault.ErrNotFound):
		return fiber.StatusNotFound, errorEnvelope{"NOT_FOUND", "artifact not found"}
	case errors.Is(err, fault.ErrExpired):
		return fiber.StatusGone, errorEnvelope{"EXPIRED", "artifact has expired"}
	case errors.Is(err, fault.ErrForbidden):
		return fiber.StatusForbidden, errorEnvelope{"FORBIDDEN", "not the owner of this artifact"}
	case errors.Is(err, fault.ErrJobExists):
		return fiber.StatusConflict, errorEnvelope{"JOB_EXISTS", "a job already exists for this upload"}
	case errors.Is(err, fault.ErrUploadNotReserved):
		return fiber.StatusForbidden, errorEnvelope{"UPLOAD_NOT_RESERVED", "request an upload url first"}
	case errors.Is(err, fault.ErrUnauthorized):
		return fiber.StatusUnauthorized, errorEnvelope{"UNAUTHORIZED", "authentication required"}
	case errors.Is(err, service.ErrHistoryDisabled):
		return fiber.StatusServiceUnavailable, errorEnvelope{"HISTORY_UNAVAILABLE", "history is not available"}
	default:
		var of *fault.OptimizationFailedError
		if errors.As(err, &of) {
			return fiber.StatusInternalServerError, errorEnvelope{"OPTIMIZATION_FAILED", "optimization failed"}
		}
		return fiber.StatusInternalServerError, errorEnvelope{"INTERNAL_ERROR", "internal server error"}
	}
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		} else {
			c.Locals(middleware.ErrorLocalKey, err)
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusUnauthorized:
			return writeError(c, status, "UNAUTHORIZED", "missing or invalid credentials")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, status, "FILE_TOO_LARGE", "request body too large")
		case fiber.StatusTooManyRequests:
			return writeError(c, status, "RATE_LIMITED", "too many requests")
		default:
			return writeError(c, status, "INTERNAL_ERROR", "internal server error")
		}
	}
}
