package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRequestIDRouter echoes the context request id in the body
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})
	return r
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantKeep bool
	}{
		{"absent header gets a uuid", "", false},
		{"inbound id is reused", "lb-7f3a-0001", true},
		{"oversized id is replaced", strings.Repeat("x", maxRequestIDLength+1), false},
		{"id at the size limit is kept", strings.Repeat("y", maxRequestIDLength), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			newRequestIDRouter().ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			assert.Equal(t, got, w.Body.String(), "context id and response header differ")
			if tt.wantKeep {
				assert.Equal(t, tt.inbound, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err, "expected a generated uuid, got %q", got)
		})
	}
}

func TestRequestIDMiddleware_UniquePerRequest(t *testing.T) {
	r := newRequestIDRouter()
	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(RequestIDHeader)
		_, dup := seen[id]
		require.False(t, dup, "duplicate request id %q", id)
		seen[id] = struct{}{}
	}
}

func TestLoggerMiddleware_RedactsEmailAndTagsUser(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := gin.New()
	r.Use(RequestIDMiddleware(), func(c *gin.Context) {
		c.Set(UserIDKey, "user-42")
		c.Next()
	}, LoggerMiddleware())
	r.GET("/has-license", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodGet, "/has-license?email=buyer@example.com", nil)
	req.Header.Set(RequestIDHeader, "req-log-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "email=redacted", rec["query"])
	assert.Equal(t, "user-42", rec["user_id"])
	assert.Equal(t, "req-log-1", rec["request_id"])
	assert.NotContains(t, buf.String(), "buyer@example.com")
}
