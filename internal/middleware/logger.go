package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/geofence-backend-go/internal/logging"
)

// Logger middleware logs HTTP requests
func Logger(log logging.Logger) gin.HandlerFunc {
	if log == nil {
		log = logging.Noop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", path),
			logging.String("client_ip", c.ClientIP()),
			logging.Int("status", status),
			logging.Any("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logging.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error(c.Request.Context(), "request", fields...)
		case status >= 400:
			log.Warn(c.Request.Context(), "request", fields...)
		default:
			log.Info(c.Request.Context(), "request", fields...)
		}
	}
}
