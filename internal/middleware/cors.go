package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig lists the origins and methods browsers may use against the API
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
}

// CORSMiddleware handles CORS preflight and response headers
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.AllowedMethods) > 0 {
		methods = strings.Join(cfg.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard || origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, Stripe-Signature")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
