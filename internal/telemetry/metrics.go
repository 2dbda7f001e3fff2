// Package telemetry provides application-level observability for the license server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<LIC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so it is never
// exposed on the public listener.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - License lifecycle counters: redemptions, issuances, reservations
//   - Stripe webhook delivery outcomes
//   - License email notification outcomes
//   - Database connection pool gauge (sampled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() rather than the raw request URL. License metrics are
// labelled by outcome only; codes, user ids and session ids never become labels.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Redemption results
const (
	RedeemSuccess         = "success"
	RedeemReplayed        = "replayed"
	RedeemAlreadyRedeemed = "already_redeemed"
	RedeemNotFound        = "not_found"
	RedeemError           = "error"
)

// Issuance results
const (
	IssueMinted    = "minted"
	IssueCompleted = "completed_reservation"
	IssueUnowned   = "unowned"
	IssueDuplicate = "duplicate"
	IssueError     = "error"
)

// Webhook outcomes
const (
	WebhookProcessed        = "processed"
	WebhookIgnored          = "ignored"
	WebhookInvalidSignature = "invalid_signature"
	WebhookBadPayload       = "bad_payload"
	WebhookError            = "error"
)

// License lifecycle metrics.
//
// LicenseRedemptionsTotal{result} counts every Redeem attempt by outcome. A steady
// already_redeemed rate usually means a code is being shared.
//
// LicenseIssuancesTotal{result} counts webhook-driven issuance. The duplicate result
// measures redelivery by the payment processor.
//
// LicenseReservationsTotal{result} counts checkout-time reservations from the
// pre-provisioned pool ("reserved", "empty_pool", "released", "error").
//
// Example PromQL queries:
//   - Redemption success ratio:  sum(rate(license_redemptions_total{result="success"}[1h])) / sum(rate(license_redemptions_total[1h]))
//   - Duplicate deliveries:      rate(license_issuances_total{result="duplicate"}[1h])
var (
	LicenseRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_redemptions_total",
			Help: "Total number of license redemption attempts, by result.",
		},
		[]string{"result"},
	)

	LicenseIssuancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_issuances_total",
			Help: "Total number of payment-driven license issuances, by result.",
		},
		[]string{"result"},
	)

	LicenseReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_reservations_total",
			Help: "Total number of checkout-time license reservations and releases, by result.",
		},
		[]string{"result"},
	)
)

// StripeWebhookEventsTotal{type, outcome} counts verified and rejected webhook
// deliveries. type is "unknown" for deliveries that fail signature verification.
//
// Example PromQL queries:
//   - Alert on forged deliveries:  increase(stripe_webhook_events_total{outcome="invalid_signature"}[15m]) > 5
var StripeWebhookEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stripe_webhook_events_total",
		Help: "Total number of Stripe webhook deliveries, by event type and outcome.",
	},
	[]string{"type", "outcome"},
)

// LicenseNotificationsTotal{outcome} counts license emails ("sent", "failed",
// "skipped"). A rising failed count points at SMTP relay problems.
var LicenseNotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_notifications_total",
		Help: "Total number of license notification emails, by outcome.",
	},
	[]string{"outcome"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled by StartDBStatsCollector rather
// than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

const dbStatsInterval = 30 * time.Second

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go collectDBStats(ctx, db, dbStatsInterval)
}

func collectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.PingContext(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				}
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}
}
