// Package config loads and validates the license server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the LIC_ prefix (e.g., LIC_DATABASE_HOST
// overrides database.host in the YAML).
//
// A handful of keys also accept the bare variable names that earlier deployments
// of the service were configured with (PORT, DATABASE_URL, STRIPE_SECRET_KEY,
// STRIPE_WEBHOOK_SECRET, ALLOWED_ORIGIN, JWT_SECRET, ...). The prefixed name wins
// when both are set.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Email     EmailConfig     `mapstructure:"email"`
	Licenses  LicensesConfig  `mapstructure:"licenses"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequestTimeout bounds the context handed to every handler, and with it
	// every store query made on behalf of the request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig holds database connection configuration.
// URL takes precedence over the discrete host/port/name fields when set.
type DatabaseConfig struct {
	URL                string `mapstructure:"url"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StripeConfig holds payment processor configuration
type StripeConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	DefaultPriceID string `mapstructure:"default_price_id"`
	SuccessURL     string `mapstructure:"success_url"`
	CancelURL      string `mapstructure:"cancel_url"`
	// Timeout is applied to the HTTP client used for outbound Stripe API calls
	Timeout time.Duration `mapstructure:"timeout"`
	// WebhookTolerance is the maximum accepted age of a signed webhook timestamp
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
}

// AuthConfig holds session token and password hashing configuration
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// EmailConfig holds outbound transactional email settings
type EmailConfig struct {
	// Enabled toggles the license delivery email. When false a no-op sender is used.
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	// Username is the SMTP login; relay services such as SendGrid expect the literal "apikey"
	Username string        `mapstructure:"username"`
	APIKey   string        `mapstructure:"api_key"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LicensesConfig holds license pool behaviour
type LicensesConfig struct {
	// ReserveFromPool reserves a pre-provisioned available license for every
	// checkout session created, so the webhook completes it instead of minting.
	ReserveFromPool bool `mapstructure:"reserve_from_pool"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration for the account routes
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// RedisURL switches the limiter to a shared Redis-backed store (redis://host:6379/0)
	RedisURL string `mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// legacyEnvAliases maps config keys to the unprefixed variable names that the
// service historically read. They are bound after the LIC_ name so the
// prefixed form takes precedence.
var legacyEnvAliases = map[string][]string{
	"server.port":                      {"PORT"},
	"database.url":                     {"DATABASE_URL"},
	"stripe.secret_key":                {"STRIPE_SECRET_KEY"},
	"stripe.webhook_secret":            {"STRIPE_WEBHOOK_SECRET"},
	"stripe.default_price_id":          {"STRIPE_PRICE_ID"},
	"stripe.success_url":               {"SUCCESS_URL"},
	"stripe.cancel_url":                {"CANCEL_URL"},
	"security.cors.allowed_origins":    {"ALLOWED_ORIGIN"},
	"auth.jwt_secret":                  {"JWT_SECRET"},
	"auth.bcrypt_cost":                 {"BCRYPT_ROUNDS"},
	"email.api_key":                    {"EMAIL_API_KEY", "SENDGRID_API_KEY"},
	"email.from":                       {"EMAIL_FROM"},
	"security.rate_limiting.redis_url": {"REDIS_URL"},
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.request_timeout",

		// Database
		"database.url",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Stripe
		"stripe.secret_key",
		"stripe.webhook_secret",
		"stripe.default_price_id",
		"stripe.success_url",
		"stripe.cancel_url",
		"stripe.timeout",
		"stripe.webhook_tolerance",

		// Auth
		"auth.jwt_secret",
		"auth.token_ttl",
		"auth.bcrypt_cost",

		// Email
		"email.enabled",
		"email.smtp_host",
		"email.smtp_port",
		"email.username",
		"email.api_key",
		"email.from",
		"email.timeout",

		// Licenses
		"licenses.reserve_from_pool",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		envNames := []string{key}
		if aliases, ok := legacyEnvAliases[key]; ok {
			envNames = append(envNames, "LIC_"+envKey(key))
			envNames = append(envNames, aliases...)
		}
		if err := v.BindEnv(envNames...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// envKey converts a dotted config key into its environment variable suffix
func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/license-server")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("LIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// ALLOWED_ORIGIN is historically a single comma separated string
	cfg.Security.CORS.AllowedOrigins = splitOrigins(cfg.Security.CORS.AllowedOrigins)

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Database.URL = expandEnv(cfg.Database.URL)
	cfg.Stripe.SecretKey = expandEnv(cfg.Stripe.SecretKey)
	cfg.Stripe.WebhookSecret = expandEnv(cfg.Stripe.WebhookSecret)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Email.APIKey = expandEnv(cfg.Email.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "15s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "license_server")
	v.SetDefault("database.user", "license")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Stripe defaults
	v.SetDefault("stripe.timeout", "10s")
	v.SetDefault("stripe.webhook_tolerance", "5m")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "168h")
	v.SetDefault("auth.bcrypt_cost", 10)

	// Email defaults
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.smtp_host", "smtp.sendgrid.net")
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.username", "apikey")
	v.SetDefault("email.timeout", "10s")

	// License defaults
	v.SetDefault("licenses.reserve_from_pool", true)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 20)
	v.SetDefault("security.rate_limiting.burst", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "license-server")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// splitOrigins flattens comma separated entries into individual origins
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative")
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when database.url is not set")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when database.url is not set")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when database.url is not set")
		}
	}

	if c.Auth.BcryptCost != 0 && (c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31) {
		return fmt.Errorf("invalid auth.bcrypt_cost: %d (must be between 4 and 31)", c.Auth.BcryptCost)
	}

	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			return fmt.Errorf("email.smtp_host is required when email is enabled")
		}
		if c.Email.From == "" {
			return fmt.Errorf("email.from is required when email is enabled")
		}
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute < 1 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string. A configured URL is
// returned unchanged.
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
