package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/payments"
)

// CheckoutService starts hosted checkout sessions
type CheckoutService struct {
	provider CheckoutProvider
	licenses *LicenseService
}

// NewCheckoutService creates a checkout service. licenses may be nil to skip
// pool reservations.
func NewCheckoutService(provider CheckoutProvider, licenses *LicenseService) *CheckoutService {
	return &CheckoutService{provider: provider, licenses: licenses}
}

// CreateSession creates a checkout session and then reserves a pool license
// for it. A failed reservation is logged and does not fail the checkout.
func (s *CheckoutService) CreateSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	sess, err := s.provider.CreateCheckoutSession(ctx, params)
	if errors.Is(err, payments.ErrMissingPrice) {
		return nil, apperrors.Validation("priceId is required")
	}
	if err != nil {
		slog.Error("checkout session creation failed", "op", "create_checkout_session", "error", err)
		return nil, apperrors.Upstream("create checkout session", err)
	}
	slog.Info("checkout session created", "session_id", sess.ID)

	if s.licenses != nil {
		if _, err := s.licenses.ReserveForSession(ctx, sess.ID, params.PriceID); err != nil {
			slog.Warn("license reservation failed", "session_id", sess.ID, "error", err)
		}
	}
	return sess, nil
}
