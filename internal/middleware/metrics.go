package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/asknon-api/internal/service"
)

// Metrics returns middleware that captures request metrics using the provided service.
// Long-lived event streams are excluded from the latency histogram.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		if c.Writer.Header().Get("Content-Type") == "text/event-stream" {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
