// Package api wires together all HTTP routes for the license server.
//
// Route grouping:
//   - Account and license routes (/register, /login, /redeem, /activate-license,
//     /create-checkout-session) accept an optional bearer session token and are
//     rate limited per user or client IP.
//   - The Stripe webhook (/webhook, /stripe-webhook) is authenticated by its
//     signature only and is never rate limited, since Stripe retries rejected
//     deliveries.
//   - Every route is mounted at the root and mirrored under /api so clients built
//     against either layout keep working.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/license-server/license-server/internal/api/accounts"
	"github.com/license-server/license-server/internal/api/checkout"
	"github.com/license-server/license-server/internal/api/licenses"
	"github.com/license-server/license-server/internal/api/webhooks"
	"github.com/license-server/license-server/internal/auth"
	"github.com/license-server/license-server/internal/config"
	"github.com/license-server/license-server/internal/db/repositories"
	"github.com/license-server/license-server/internal/middleware"
	"github.com/license-server/license-server/internal/notifications"
	"github.com/license-server/license-server/internal/payments"
	"github.com/license-server/license-server/internal/services"
	"github.com/license-server/license-server/internal/validation"
)

// Version is reported by GET /version. Release builds override it with
// -ldflags "-X github.com/license-server/license-server/internal/api.Version=...".
var Version = "0.1.0"

const rateLimitKeyPrefix = "license-server:ratelimit:"

// BackgroundServices holds resources started by NewRouter that must be released
// during graceful shutdown. The caller (cmd/server) is responsible for calling
// Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	redisClient  *redis.Client
}

// Shutdown stops the rate limiter cleanup goroutines and closes the Redis client
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Handlers groups the route handlers mounted by the router
type Handlers struct {
	Accounts *accounts.Handlers
	Licenses *licenses.Handlers
	Checkout *checkout.Handlers
	Webhooks *webhooks.StripeWebhookHandler
}

// pinger is satisfied by *sql.DB and *sqlx.DB
type pinger interface {
	PingContext(ctx context.Context) error
}

// NewRouter builds the services on top of database and returns the configured
// Gin engine
func NewRouter(cfg *config.Config, database *sqlx.DB) (*gin.Engine, *BackgroundServices, error) {
	if err := validation.RegisterWithGin(); err != nil {
		return nil, nil, err
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("security configuration error: %w", err)
	}

	// Repositories
	userRepo := repositories.NewUserRepository(database)
	licenseRepo := repositories.NewLicenseRepository(database)

	// Services
	mailer := notifications.New(cfg.Email)
	licenseSvc := services.NewLicenseService(userRepo, licenseRepo, mailer, cfg.Licenses.ReserveFromPool)
	accountSvc := services.NewAccountService(userRepo, licenseSvc, auth.NewPasswordHasher(cfg.Auth.BcryptCost), tokens)
	checkoutSvc := services.NewCheckoutService(payments.NewClient(cfg.Stripe), licenseSvc)

	if cfg.Stripe.WebhookSecret == "" {
		slog.Warn("stripe.webhook_secret is not set, webhook deliveries will be answered with 500")
	}
	verifier := payments.NewWebhookVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance)

	bg := &BackgroundServices{}
	limiter, err := newAuthLimiter(cfg.Security.RateLimiting, bg)
	if err != nil {
		return nil, nil, err
	}

	h := Handlers{
		Accounts: accounts.NewHandlers(accountSvc),
		Licenses: licenses.NewHandlers(licenseSvc),
		Checkout: checkout.NewHandlers(checkoutSvc),
		Webhooks: webhooks.NewStripeWebhookHandler(verifier, licenseSvc),
	}
	return newEngine(cfg, database, tokens, limiter, h), bg, nil
}

// newAuthLimiter returns the limiter for account routes: Redis-backed when a
// Redis URL is configured, in-process otherwise, nil when disabled.
func newAuthLimiter(cfg config.RateLimitingConfig, bg *BackgroundServices) (middleware.Limiter, error) {
	if !cfg.Enabled {
		slog.Info("rate limiting disabled")
		return nil, nil
	}

	rlCfg := middleware.AuthRateLimitConfig(cfg.RequestsPerMinute, cfg.Burst)
	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure rate limiting: %w", err)
		}
		bg.redisClient = client
		slog.Info("using redis-backed rate limiting", "addr", client.Options().Addr)
		return middleware.NewRedisRateLimiter(client, rateLimitKeyPrefix, rlCfg), nil
	}

	rl := middleware.NewRateLimiter(rlCfg)
	bg.rateLimiters = append(bg.rateLimiters, rl)
	return rl, nil
}

func newEngine(cfg *config.Config, db pinger, tokens middleware.TokenParser, limiter middleware.Limiter, h Handlers) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(middleware.CORSConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		AllowedMethods: cfg.Security.CORS.AllowedMethods,
	}))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestTimeoutMiddleware(cfg.Server.RequestTimeout))

	registerRoutes(&router.RouterGroup, db, tokens, limiter, h)
	registerRoutes(router.Group("/api"), db, tokens, limiter, h)

	return router
}

func registerRoutes(rg *gin.RouterGroup, db pinger, tokens middleware.TokenParser, limiter middleware.Limiter, h Handlers) {
	rg.GET("/health", healthCheckHandler(db))
	rg.GET("/version", versionHandler())

	// Stripe webhook: signature-authenticated, not rate limited
	rg.POST("/webhook", h.Webhooks.HandleWebhook)
	rg.POST("/stripe-webhook", h.Webhooks.HandleWebhook)

	// Sign-in routes ignore any session token, so a client holding an expired
	// one can still obtain a new token
	signIn := rg.Group("")
	if limiter != nil {
		signIn.Use(middleware.RateLimitMiddleware(limiter))
	}
	{
		signIn.POST("/register", h.Accounts.Register)
		signIn.POST("/login", h.Accounts.Login)
	}

	account := rg.Group("")
	account.Use(middleware.OptionalAuthMiddleware(tokens))
	if limiter != nil {
		account.Use(middleware.RateLimitMiddleware(limiter))
	}
	{
		account.GET("/has-license", h.Accounts.HasLicense)
		account.POST("/redeem", h.Licenses.Redeem)
		account.POST("/activate-license", h.Licenses.Redeem)
		account.POST("/validate-license", h.Licenses.Validate)
		account.POST("/create-checkout-session", h.Checkout.CreateSession)
	}
}

// @Summary      Health check
// @Description  Returns 200 when the database answers a ping, 503 otherwise.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ok: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ok: false, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ok":    false,
				"error": "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":   true,
			"time": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	}
}
