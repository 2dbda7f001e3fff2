package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/telemetry"
)

// noRouteLabel replaces the route template for requests that matched nothing
const noRouteLabel = "<no-route>"

// MetricsMiddleware returns a Gin handler that records two Prometheus metrics for every
// request that passes through the router.
//
// Recorded metrics:
//   - http_requests_total{method, path, status}    CounterVec
//   - http_request_duration_seconds{method, path}  HistogramVec
//
// The path label is the matched route template from c.FullPath(). Routes are mounted
// both at the root and under /api, so the two mirrors show up as distinct series.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
