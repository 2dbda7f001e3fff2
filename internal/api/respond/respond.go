// Package respond writes the JSON error envelope shared by every handler and
// decodes request bodies strictly.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/middleware"
	"github.com/license-server/license-server/internal/validation"
)

// CodeValidationFailed is the machine code of every request that fails decoding or validation
const CodeValidationFailed = "validation_failed"

// Error writes err as {ok:false, error, code} with the status of its Kind.
// Server-side failures are logged with their cause; the client only sees the message.
func Error(c *gin.Context, op string, err error) {
	appErr := apperrors.From(err)
	status := appErr.Kind.HTTPStatus()

	attrs := []any{
		"op", op,
		"code", appErr.Code,
		"status", status,
		"request_id", c.GetString(middleware.RequestIDKey),
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", append(attrs, "error", err)...)
	} else {
		slog.InfoContext(c.Request.Context(), "request rejected", attrs...)
	}

	c.JSON(status, gin.H{
		"ok":    false,
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}

// BadRequest writes a 400 validation error for a body or query that could not be bound
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"ok":    false,
		"error": validation.Message(err),
		"code":  CodeValidationFailed,
	})
}

// BindJSON decodes the request body into obj, rejecting unknown fields, and
// runs the binding rules. On failure it writes a 400 and returns false.
func BindJSON(c *gin.Context, obj any) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		BadRequest(c, err)
		return false
	}
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		BadRequest(c, err)
		return false
	}
	return true
}
