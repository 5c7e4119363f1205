package api

import (
	"errors"
	"net/http"

	"checkout-service/internal/apperr"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const internalErrorCode = "INTERNAL_ERROR"

// writeError renders err as the JSON error envelope. Anything that is not
// a known client-facing error is logged and reduced to a generic 500.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code, message := internalErrorCode, "internal server error"
	var details map[string]any

	var ae *apperr.Error
	if errors.As(err, &ae) {
		code = ae.Code
		details = ae.Details
		if status != http.StatusInternalServerError {
			message = ae.Message
		}
	}

	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(c.Request.Context()).Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	if status == http.StatusInternalServerError {
		details = nil
	}

	body := gin.H{
		"error":      code,
		"message":    message,
		"status":     status,
		"request_id": requestID(c),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string, cause error) {
	err := apperr.Validation(msg)
	if cause != nil {
		err = err.WithDetail("reason", cause.Error())
	}
	writeError(c, err)
}
