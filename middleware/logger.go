package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"tw_autotrade/logging"
)

// RequestLogger logs failed and slow requests. Probe endpoints are skipped.
func RequestLogger() gin.HandlerFunc {
	logger := logging.WithComponent("http")
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		if status < 400 && duration <= time.Second {
			return
		}
		event := logger.Warn()
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("ip", c.ClientIP()).
			Msg("Request")
	}
}
