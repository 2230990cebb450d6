package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware records request count and duration per route template.
func GinMiddleware(httpMetrics *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpMetrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		httpMetrics.ObserveRequest(c.Request.Context(), route, c.Writer.Status(), time.Since(start))
	}
}
