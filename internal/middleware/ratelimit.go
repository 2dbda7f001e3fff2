// ratelimit.go provides Gin middleware that enforces per-client rate limits, returning
// 429 responses when the configured requests-per-minute threshold is exceeded. Limits are
// kept in process by default or shared through Redis when a Redis URL is configured.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often to clean up expired entries
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns limits for the read-mostly public endpoints
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig returns limits for credential and redemption endpoints
func AuthRateLimitConfig(requestsPerMinute, burst int) RateLimitConfig {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 20
	}
	if burst <= 0 {
		burst = 10
	}
	return RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		BurstSize:         burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// Limiter decides whether the request identified by key may proceed
type Limiter interface {
	Take(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Limit() int
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-process token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.RWMutex
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes expired entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				// Remove entries that haven't been accessed in 10 minutes
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Allow checks if a request from the given key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]

	if !exists {
		// New client, give them full burst
		rl.entries[key] = &rateLimitEntry{
			tokens:     float64(rl.config.BurstSize) - 1,
			lastUpdate: now,
		}
		return true
	}

	elapsed := now.Sub(entry.lastUpdate)
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokensToAdd := elapsed.Seconds() * tokensPerSecond

	entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+tokensToAdd)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true
	}

	return false
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}

	elapsed := time.Since(entry.lastUpdate)
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokensToAdd := elapsed.Seconds() * tokensPerSecond
	currentTokens := min(float64(rl.config.BurstSize), entry.tokens+tokensToAdd)

	return int(currentTokens)
}

// Take implements Limiter
func (rl *RateLimiter) Take(_ context.Context, key string) (bool, int, error) {
	allowed := rl.Allow(key)
	return allowed, rl.RemainingTokens(key), nil
}

// Limit implements Limiter
func (rl *RateLimiter) Limit() int {
	return rl.config.RequestsPerMinute
}

// RedisRateLimiter shares a GCRA limit across server instances through Redis
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisClient parses a redis:// URL into a client
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisRateLimiter creates a limiter whose keys are namespaced by prefix
func NewRedisRateLimiter(client *redis.Client, prefix string, config RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
		prefix: prefix,
	}
}

// Take implements Limiter
func (rl *RedisRateLimiter) Take(ctx context.Context, key string) (bool, int, error) {
	res, err := rl.limiter.Allow(ctx, rl.prefix+":"+key, rl.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.Remaining, nil
}

// Limit implements Limiter
func (rl *RedisRateLimiter) Limit() int {
	return rl.limit.Rate
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests. A limiter
// error (Redis unreachable) lets the request through and is logged.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		allowed, remaining, err := limiter.Take(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok":          false,
				"error":       "Rate limit exceeded",
				"code":        "rate_limited",
				"retry_after": 60,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: user_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if userID := c.GetString(UserIDKey); userID != "" {
		return "user:" + userID
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
