// @title           License Server API
// @version         0.1.0
// @description     Account registration, license redemption and Stripe checkout fulfilment
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Session token returned by /register and /login: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics and profiling are served on dedicated side-channel ports (defaults 9090 and 6060), not by the Gin router. Configure them with LIC_TELEMETRY_METRICS_PROMETHEUS_PORT and LIC_TELEMETRY_PROFILING_PORT.

// Package main is the entry point for the license server binary. It dispatches
// three subcommands (serve, migrate and version) via a switch on os.Args. The
// serve command runs migrations on startup so a fresh deployment needs no
// separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- only served on the dedicated profiling port, never by the Gin router
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/license-server/license-server/internal/api"
	"github.com/license-server/license-server/internal/config"
	"github.com/license-server/license-server/internal/db"
	"github.com/license-server/license-server/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("License Server v%s\n", api.Version)
		return nil
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("database config",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(ctx, database.DB)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	// Metrics are served on their own port so the scrape path stays off the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		startSideServer("metrics", fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort), mux, 10*time.Second)
	}

	// net/http/pprof registers its handlers on http.DefaultServeMux at init time.
	if cfg.Telemetry.Profiling.Enabled {
		startSideServer("pprof", fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port), http.DefaultServeMux, 30*time.Second)
	}

	router, bgServices, err := api.NewRouter(cfg, database)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"version", api.Version,
			"reserve_from_pool", cfg.Licenses.ReserveFromPool,
			"email_enabled", cfg.Email.Enabled,
			"rate_limiting", cfg.Security.RateLimiting.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop rate limiter goroutines and the Redis client
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// startSideServer runs an internal-only listener in the background
func startSideServer(name, addr string, handler http.Handler, timeout time.Duration) {
	go func() {
		slog.Info("starting side server", "name", name, "addr", addr)
		srv := &http.Server{ // #nosec G112 -- internal-only port
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("side server error", "name", name, "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}
