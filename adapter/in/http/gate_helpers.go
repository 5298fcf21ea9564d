package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/logger"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUserID safely extracts user_id from fiber context
// Returns error if not authenticated
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userIDVal := c.Locals("user_id")
	if userIDVal == nil {
		return uuid.Nil, ErrUnauthorized
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return userID, nil
}

// GetTenantID extracts the tenant scope the auth middleware resolved.
func GetTenantID(c *fiber.Ctx) (uuid.UUID, error) {
	tenantVal := c.Locals("tenant_id")
	if tenantVal == nil {
		return uuid.Nil, ErrUnauthorized
	}
	tenantID, ok := tenantVal.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return tenantID, nil
}

// =============================================================================
// Response Helpers
// =============================================================================

// ErrorBody is the flat error payload every failure returns. The error text
// is already sanitized by the apperr constructors; no credential material or
// internal detail reaches it.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse sends a flat JSON error with the given status.
func ErrorResponse(c *fiber.Ctx, status int, code, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(ErrorBody{
		Error:     message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AppErrorResponse maps an error to the taxonomy and serializes it. Unknown
// errors are logged and collapsed into a generic 500.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	if appErr := apperr.AsAppError(err); appErr != nil {
		return ErrorResponse(c, appErr.Status, appErr.Code, appErr.Message)
	}

	logger.WithError(err).WithField("path", c.Path()).Error("unclassified handler error")
	return ErrorResponse(c, fiber.StatusInternalServerError, apperr.CodeInternalError, "internal server error")
}
