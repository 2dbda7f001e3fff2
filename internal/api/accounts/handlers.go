// Package accounts implements the registration, sign-in and license ownership
// endpoints.
package accounts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/license-server/license-server/internal/api/respond"
	"github.com/license-server/license-server/internal/services"
)

// Handlers serves the account endpoints
type Handlers struct {
	accounts *services.AccountService
}

// NewHandlers creates account handlers
func NewHandlers(accounts *services.AccountService) *Handlers {
	return &Handlers{accounts: accounts}
}

type registerRequest struct {
	Email       string  `json:"email" binding:"required,email"`
	Password    string  `json:"password" binding:"required,min=8,max=72"`
	Name        *string `json:"name" binding:"omitempty,max=200"`
	LicenseCode string  `json:"licenseCode" binding:"omitempty,license_code"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type hasLicenseQuery struct {
	Email string `form:"email" json:"email" binding:"required,email"`
}

// @Summary      Register
// @Description  Creates an account, or claims the placeholder account a purchase left for the email.
// @Description  An optional license code is redeemed for the new account; its failure does not undo the registration.
// @Tags         Accounts
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}  "ok, token, user, license?, licenseError?"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Failure      409  {object}  map[string]interface{}  "Email already registered"
// @Router       /register [post]
// Register creates an account
// POST /register
func (h *Handlers) Register(c *gin.Context) {
	var req registerRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	res, err := h.accounts.Register(c.Request.Context(), services.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		Name:        req.Name,
		LicenseCode: req.LicenseCode,
	})
	if err != nil {
		respond.Error(c, "register", err)
		return
	}

	body := gin.H{
		"ok":    true,
		"token": res.Token,
		"user":  res.User,
	}
	if res.License != nil {
		body["license"] = res.License
	}
	if res.LicenseError != nil {
		body["licenseError"] = gin.H{
			"error": res.LicenseError.Message,
			"code":  res.LicenseError.Code,
		}
	}
	c.JSON(http.StatusCreated, body)
}

// @Summary      Log in
// @Description  Checks credentials and returns a session token and whether the account owns a redeemed license.
// @Tags         Accounts
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ok, token, hasLicense, user"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Failure      401  {object}  map[string]interface{}  "Invalid credentials"
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Router       /login [post]
// Login signs a user in
// POST /login
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	res, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respond.Error(c, "login", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"token":      res.Token,
		"hasLicense": res.HasLicense,
		"user":       res.User,
	})
}

// @Summary      Check license ownership
// @Tags         Accounts
// @Produce      json
// @Param        email  query  string  true  "Account email"
// @Success      200  {object}  map[string]interface{}  "ok, hasLicense"
// @Failure      400  {object}  map[string]interface{}  "Missing or invalid email"
// @Router       /has-license [get]
// HasLicense reports whether an email's account owns a redeemed license
// GET /has-license?email=
func (h *Handlers) HasLicense(c *gin.Context) {
	var q hasLicenseQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respond.BadRequest(c, err)
		return
	}

	has, err := h.accounts.HasLicense(c.Request.Context(), q.Email)
	if err != nil {
		respond.Error(c, "has_license", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "hasLicense": has})
}
