package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored.
	RequestIDKey = "request_id"

	maxRequestIDLength = 128
)

// RequestIDMiddleware returns a Gin handler that ensures every request carries a unique
// identifier propagated as an X-Request-ID HTTP header.
//
// An inbound X-Request-ID set by a load balancer or the caller is reused when it is
// non-empty and at most 128 bytes; otherwise a new UUID v4 is generated. The id is
// stored under RequestIDKey and echoed in the response so clients can correlate a
// failed redemption or checkout with server-side log entries.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
