package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentcore/internal/app"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{
		Success:   status < http.StatusBadRequest,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

func fail(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message, Details: details},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponse sends a 200 response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// ForbiddenResponse sends a 403 Forbidden response
func ForbiddenResponse(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, "FORBIDDEN", message, nil)
}

// ErrorResponseFromError maps an error to a status code by fault kind
func ErrorResponseFromError(c *gin.Context, err error) {
	if stderrors.Is(err, app.ErrNotRunning) {
		fail(c, http.StatusServiceUnavailable, "NOT_RUNNING", err.Error(), nil)
		return
	}

	f, ok := errors.As(err)
	if !ok {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			fail(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), nil)
		case stderrors.Is(err, context.Canceled):
			fail(c, http.StatusRequestTimeout, "CANCELED", err.Error(), nil)
		default:
			fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred", nil)
		}
		return
	}

	details := map[string]interface{}{
		"fault_id": f.ID,
		"severity": f.Severity,
	}
	fail(c, statusForKind(f.Kind), string(f.Kind), f.Message, details)
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindValidationFailed:
		return http.StatusBadRequest
	case errors.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errors.KindOperationTimeout:
		return http.StatusGatewayTimeout
	case errors.KindConnectionFailed, errors.KindOptionalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
