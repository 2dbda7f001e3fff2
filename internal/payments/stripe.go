// Package payments wraps the Stripe API: creating Checkout Sessions and verifying
// and decoding webhook deliveries. Nothing outside this package imports stripe-go
// for API calls.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/license-server/license-server/internal/config"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultTolerance = 5 * time.Minute

	// MetadataPriceID is the session metadata key carrying the purchased price
	MetadataPriceID = "price_id"
)

var (
	// ErrMissingWebhookSecret means webhooks cannot be verified; deliveries
	// should fail with 500 so Stripe retries once the secret is configured.
	ErrMissingWebhookSecret = errors.New("stripe webhook secret is not configured")
	// ErrInvalidSignature covers bad signatures, stale timestamps and tampered bodies
	ErrInvalidSignature = errors.New("invalid stripe signature")
	// ErrMissingPrice is returned when neither the request nor config names a price
	ErrMissingPrice = errors.New("no price id given and no default price configured")
)

// CheckoutParams describes a checkout session to create
type CheckoutParams struct {
	PriceID       string
	CustomerEmail string
}

// CheckoutSession is the part of a created session the API returns to clients
type CheckoutSession struct {
	ID  string
	URL string
}

// Client creates Checkout Sessions through the Stripe API
type Client struct {
	sessions       session.Client
	defaultPriceID string
	successURL     string
	cancelURL      string
}

// NewClient builds a Stripe client with a bounded HTTP timeout and no automatic retries
func NewClient(cfg config.StripeConfig) *Client {
	return newClient(cfg, nil)
}

func newClient(cfg config.StripeConfig, apiURL *string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		URL:               apiURL,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelWarn},
	})

	return &Client{
		sessions:       session.Client{B: backend, Key: cfg.SecretKey},
		defaultPriceID: cfg.DefaultPriceID,
		successURL:     cfg.SuccessURL,
		cancelURL:      cfg.CancelURL,
	}
}

// CreateCheckoutSession starts a one-off payment for a single unit of the price.
// The price id is copied into the session metadata so the webhook can record it.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	priceID := p.PriceID
	if priceID == "" {
		priceID = c.defaultPriceID
	}
	if priceID == "" {
		return nil, ErrMissingPrice
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Metadata:   map[string]string{MetadataPriceID: priceID},
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	params.Context = ctx

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// WebhookVerifier authenticates webhook deliveries against the endpoint secret
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier creates a verifier; a zero tolerance uses five minutes
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &WebhookVerifier{secret: secret, tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against the untouched request body
// and decodes the event. The API version of the event is not enforced.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, ErrMissingWebhookSecret
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// Checkout session event types the webhook acts on
const (
	EventCheckoutCompleted             = stripe.EventTypeCheckoutSessionCompleted
	EventCheckoutAsyncPaymentSucceeded = stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded
	EventCheckoutAsyncPaymentFailed    = stripe.EventTypeCheckoutSessionAsyncPaymentFailed
	EventCheckoutExpired               = stripe.EventTypeCheckoutSessionExpired
)

// CheckoutEvent is the decoded checkout session carried by a webhook event
type CheckoutEvent struct {
	Type          stripe.EventType
	SessionID     string
	CustomerEmail string
	PriceID       string
	PaymentStatus stripe.CheckoutSessionPaymentStatus
}

// Abandoned reports whether the session ended without payment, either by
// expiring or by a failed delayed payment. Stripe sends no expiry for a session
// whose async payment failed, so both end any reservation.
func (e *CheckoutEvent) Abandoned() bool {
	return e.Type == EventCheckoutExpired || e.Type == EventCheckoutAsyncPaymentFailed
}

// Paid reports whether the session's payment has settled
func (e *CheckoutEvent) Paid() bool {
	return e.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		e.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}

// IsCheckoutEvent reports whether t is one of the checkout session events handled
func IsCheckoutEvent(t stripe.EventType) bool {
	switch t {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceeded,
		EventCheckoutAsyncPaymentFailed, EventCheckoutExpired:
		return true
	}
	return false
}

// DecodeCheckoutEvent extracts the checkout session from a verified event. The
// purchaser email comes from customer_details, falling back to customer_email.
func DecodeCheckoutEvent(event stripe.Event) (*CheckoutEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, errors.New("event has no data object")
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if s.ID == "" {
		return nil, errors.New("checkout session has no id")
	}

	email := s.CustomerEmail
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		email = s.CustomerDetails.Email
	}

	return &CheckoutEvent{
		Type:          event.Type,
		SessionID:     s.ID,
		CustomerEmail: email,
		PriceID:       s.Metadata[MetadataPriceID],
		PaymentStatus: s.PaymentStatus,
	}, nil
}
