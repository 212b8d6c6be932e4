package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
)

// Logger logs each request and records the HTTP metrics. Bodies are never logged;
// webhook payloads and callbacks carry customer contact data.
func Logger(log *logger.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(statusCode)
		if m != nil {
			m.RequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(latency.Seconds())
			m.RequestTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		}

		fields := []interface{}{
			"request_id", c.GetString(ContextRequestID),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", statusCode,
			"latency", latency.String(),
			"user_agent", c.Request.UserAgent(),
		}
		switch {
		case statusCode >= 500:
			log.Warn("Server error", fields...)
		case statusCode >= 400:
			log.Info("Client error", fields...)
		default:
			log.Debug("Request processed", fields...)
		}
	}
}
