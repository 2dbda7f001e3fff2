// Package checkout implements the endpoint that starts a hosted payment
package checkout

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/api/respond"
	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/middleware"
	"github.com/license-server/license-server/internal/payments"
	"github.com/license-server/license-server/internal/services"
)

// Handlers serves the checkout endpoint
type Handlers struct {
	checkout *services.CheckoutService
}

// NewHandlers creates checkout handlers
func NewHandlers(checkout *services.CheckoutService) *Handlers {
	return &Handlers{checkout: checkout}
}

type createSessionRequest struct {
	PriceID       string `json:"priceId" binding:"omitempty,max=255"`
	CustomerEmail string `json:"customerEmail" binding:"omitempty,email"`
}

// @Summary      Create checkout session
// @Description  Starts a Stripe Checkout Session for one unit of the price (the configured default when omitted).
// @Description  customerEmail may be omitted when the caller sends a session token.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ok, url, sessionId"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Failure      500  {object}  map[string]interface{}  "Payment processor unavailable"
// @Router       /create-checkout-session [post]
// CreateSession starts a checkout
// POST /create-checkout-session
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	email := req.CustomerEmail
	if email == "" {
		email = c.GetString(middleware.UserEmailKey)
	}
	if email == "" {
		respond.Error(c, "create_checkout_session", apperrors.Validation("customerEmail: is required"))
		return
	}

	sess, err := h.checkout.CreateSession(c.Request.Context(), payments.CheckoutParams{
		PriceID:       req.PriceID,
		CustomerEmail: email,
	})
	if err != nil {
		respond.Error(c, "create_checkout_session", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"url":       sess.URL,
		"sessionId": sess.ID,
	})
}
