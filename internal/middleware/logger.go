package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

// redactedQueryKeys are query parameters whose values are personal data
var redactedQueryKeys = []string{"email"}

// LoggerMiddleware emits one structured slog record per request. The output format
// follows the default handler installed by telemetry.SetupLogger. Server errors
// log at error level, client errors at warn.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := redactQuery(c.Request.URL.Query())

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(RequestIDKey)),
		}
		if query != "" {
			attrs = append(attrs, slog.String("query", query))
		}
		if userID := c.GetString(UserIDKey); userID != "" {
			attrs = append(attrs, slog.String("user_id", userID))
		}

		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	for _, key := range redactedQueryKeys {
		if _, ok := q[key]; ok {
			q.Set(key, "redacted")
		}
	}
	return q.Encode()
}
