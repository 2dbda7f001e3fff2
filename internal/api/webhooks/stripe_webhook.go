// Package webhooks handles inbound Stripe webhook deliveries. The raw body is
// verified against the endpoint signing secret before anything is decoded, and
// checkout events are handed to the license service, which is idempotent per
// checkout session. Any failure after verification answers 500 so Stripe
// redelivers the event.
package webhooks

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/api/respond"
	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/payments"
	"github.com/license-server/license-server/internal/services"
	"github.com/license-server/license-server/internal/telemetry"
)

const (
	// maxWebhookBodyBytes caps the payload read before signature verification
	maxWebhookBodyBytes = 64 << 10

	signatureHeader = "Stripe-Signature"
	unknownEvent    = "unknown"
)

// StripeWebhookHandler handles Stripe webhook deliveries
type StripeWebhookHandler struct {
	verifier *payments.WebhookVerifier
	licenses *services.LicenseService
}

// NewStripeWebhookHandler creates a new webhook handler
func NewStripeWebhookHandler(verifier *payments.WebhookVerifier, licenses *services.LicenseService) *StripeWebhookHandler {
	return &StripeWebhookHandler{verifier: verifier, licenses: licenses}
}

// @Summary      Receive Stripe webhook
// @Description  Verifies the Stripe-Signature header against the untouched body, then fulfils paid checkout sessions
// @Description  (checkout.session.completed, checkout.session.async_payment_succeeded) and releases reservations of
// @Description  abandoned ones (checkout.session.expired, checkout.session.async_payment_failed). Other event types
// @Description  are acknowledged and ignored.
// @Description  Deliveries are idempotent per checkout session id.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "received: true"
// @Failure      400  {object}  map[string]interface{}  "Invalid signature, oversized or undecodable payload"
// @Failure      500  {object}  map[string]interface{}  "Signing secret not configured or processing failed; Stripe retries"
// @Router       /webhook [post]
// HandleWebhook processes a Stripe webhook delivery
// POST /webhook, POST /stripe-webhook
func (h *StripeWebhookHandler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(unknownEvent, telemetry.WebhookBadPayload).Inc()
		slog.Warn("failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Failed to read webhook body", "code": "invalid_payload"})
		return
	}

	event, err := h.verifier.Verify(payload, c.GetHeader(signatureHeader))
	if errors.Is(err, payments.ErrMissingWebhookSecret) {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(unknownEvent, telemetry.WebhookError).Inc()
		slog.Error("webhook received but stripe.webhook_secret is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Webhook secret not configured", "code": "webhook_not_configured"})
		return
	}
	if err != nil {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(unknownEvent, telemetry.WebhookInvalidSignature).Inc()
		slog.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":    false,
			"error": apperrors.ErrInvalidSignature.Message,
			"code":  apperrors.ErrInvalidSignature.Code,
		})
		return
	}

	eventType := string(event.Type)
	logger := slog.With("event_id", event.ID, "event_type", eventType)

	if !payments.IsCheckoutEvent(event.Type) {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookIgnored).Inc()
		logger.Debug("ignoring webhook event")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	checkout, err := payments.DecodeCheckoutEvent(event)
	if err != nil {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookBadPayload).Inc()
		logger.Warn("undecodable checkout session in webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid checkout session payload", "code": "invalid_payload"})
		return
	}
	logger = logger.With("session_id", checkout.SessionID)
	ctx := c.Request.Context()

	switch {
	case checkout.Abandoned():
		if _, err := h.licenses.ReleaseSession(ctx, checkout.SessionID); err != nil {
			telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookError).Inc()
			respond.Error(c, "webhook_release", err)
			return
		}

	case !checkout.Paid():
		telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookIgnored).Inc()
		logger.Info("checkout session not paid yet, waiting for async payment", "payment_status", checkout.PaymentStatus)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return

	default:
		out, err := h.licenses.IssueForSession(ctx, services.Purchase{
			SessionID: checkout.SessionID,
			Email:     checkout.CustomerEmail,
			PriceID:   checkout.PriceID,
		})
		if err != nil {
			telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookError).Inc()
			respond.Error(c, "webhook_issue", err)
			return
		}
		if out.Duplicate {
			logger.Info("duplicate webhook delivery, license already issued", "license_id", out.License.ID)
		}
	}

	telemetry.StripeWebhookEventsTotal.WithLabelValues(eventType, telemetry.WebhookProcessed).Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
