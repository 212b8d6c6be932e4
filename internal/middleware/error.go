package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/handler"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

// ErrorHandler logs errors attached by handlers and answers for handlers that
// recorded an error without writing a response
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		requestID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			code := apperrors.CodeOf(e.Err)
			switch code {
			case apperrors.ErrInternal, apperrors.ErrDependency:
				log.Error(e.Err, "Request error",
					"request_id", requestID,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"code", string(code),
				)
			default:
				log.Debug("Request rejected",
					"request_id", requestID,
					"path", c.Request.URL.Path,
					"code", string(code),
					"error", e.Err.Error(),
				)
			}
		}

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last().Err
		appErr, ok := apperrors.As(lastErr)
		if !ok {
			appErr = apperrors.Internal(lastErr)
		}
		c.JSON(appErr.HTTPStatus(), handler.NewErrorResponse(appErr.Code, appErr.Message))
	}
}
