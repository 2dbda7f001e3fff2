// Package middleware provides Gin HTTP middleware for request identification,
// session authentication, rate limiting, timeouts, metrics, and security headers.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → Timeout → OptionalAuth → RateLimit → Handler
//
// Optional auth runs before rate limiting so signed-in callers are limited per
// user id while anonymous callers are limited per client IP. /register and
// /login are mounted without OptionalAuth.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/auth"
)

const (
	// UserIDKey is the gin.Context key holding the authenticated user's id
	UserIDKey = "user_id"
	// UserEmailKey is the gin.Context key holding the authenticated user's email
	UserEmailKey = "user_email"
)

// TokenParser validates session tokens
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// OptionalAuthMiddleware authenticates the caller when an Authorization header is
// present and lets anonymous requests through. A header that is present but not a
// valid bearer session token is rejected with 401 rather than silently ignored.
func OptionalAuthMiddleware(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Authorization header must start with 'Bearer '")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			abortUnauthorized(c, "Authorization token is empty")
			return
		}

		claims, err := tokens.Parse(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired session token")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserEmailKey, claims.Email)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"ok":    false,
		"error": message,
		"code":  "invalid_token",
	})
}
