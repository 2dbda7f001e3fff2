// Package licenses implements the license redemption and validation endpoints
package licenses

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/api/respond"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/middleware"
	"github.com/license-server/license-server/internal/services"
)

// Handlers serves the license endpoints
type Handlers struct {
	licenses *services.LicenseService
}

// NewHandlers creates license handlers
func NewHandlers(licenses *services.LicenseService) *Handlers {
	return &Handlers{licenses: licenses}
}

type redeemRequest struct {
	Code   string `json:"code" binding:"required,license_code"`
	Email  string `json:"email" binding:"omitempty,email"`
	UserID string `json:"userId" binding:"omitempty,max=64"`
}

// @Summary      Redeem a license
// @Description  Assigns a license code to a user. The user is taken from the bearer session token when present,
// @Description  otherwise from userId, otherwise from email (a placeholder account is created for unknown emails).
// @Description  Redeeming a code the user already owns succeeds with replayed=true.
// @Tags         Licenses
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ok, message, license, replayed"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Failure      404  {object}  map[string]interface{}  "License or user not found"
// @Failure      409  {object}  map[string]interface{}  "License already redeemed by another user"
// @Router       /redeem [post]
// Redeem redeems a license code
// POST /redeem, POST /activate-license
func (h *Handlers) Redeem(c *gin.Context) {
	var req redeemRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	ref := services.UserRef{UserID: req.UserID, Email: req.Email}
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		ref = services.UserRef{UserID: userID}
	}

	out, err := h.licenses.Redeem(c.Request.Context(), req.Code, ref)
	if err != nil {
		respond.Error(c, "redeem", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"message":  "License activated",
		"license":  out.License,
		"replayed": out.Replayed,
	})
}

type validateRequest struct {
	Code       string `json:"code" binding:"required_without=LicenseKey,license_code"`
	LicenseKey string `json:"license_key" binding:"omitempty,license_code"`
	Email      string `json:"email" binding:"omitempty,email"`
	Status     string `json:"status" binding:"omitempty,license_status"`
}

// @Summary      Validate a license code
// @Description  Reports whether a license with the code exists and its status. With status set, the license must
// @Description  also be in that state (legacy names such as unused are accepted). With a bearer token or email,
// @Description  owned reports whether that user holds the license. license_key is accepted in place of code.
// @Tags         Licenses
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ok, valid, status, owned"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Router       /validate-license [post]
// Validate checks a license code without changing it
// POST /validate-license
func (h *Handlers) Validate(c *gin.Context) {
	var req validateRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	code := req.Code
	if code == "" {
		code = req.LicenseKey
	}
	ref := services.UserRef{Email: req.Email}
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		ref = services.UserRef{UserID: userID}
	}

	out, err := h.licenses.Validate(c.Request.Context(), code, ref, models.LicenseStatus(req.Status))
	if err != nil {
		respond.Error(c, "validate_license", err)
		return
	}

	body := gin.H{"ok": true, "valid": out.Valid}
	if out.Status != "" {
		body["status"] = out.Status
	}
	if ref != (services.UserRef{}) {
		body["owned"] = out.Owned
	}
	c.JSON(http.StatusOK, body)
}
