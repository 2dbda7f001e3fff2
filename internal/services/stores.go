// Package services implements the business logic that coordinates the
// repositories with the payment processor and the mail relay: redeeming and
// issuing licenses, registering and signing in accounts, and starting checkouts.
// Services depend on the narrow interfaces below so that tests can substitute
// in-memory stores.
package services

import (
	"context"
	"time"

	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/payments"
)

// UserStore is the subset of the user repository the services use
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	EnsureUser(ctx context.Context, email string) (*models.User, bool, error)
	ClaimPlaceholder(ctx context.Context, userID, passwordHash string, name *string) (bool, error)
}

// LicenseStore is the subset of the license repository the services use
type LicenseStore interface {
	GetByCode(ctx context.Context, code string) (*models.License, error)
	Redeem(ctx context.Context, code, userID string, at time.Time) (*models.RedeemResult, error)
	IssueForSession(ctx context.Context, iss models.Issuance) (*models.IssueResult, error)
	ReserveForSession(ctx context.Context, sessionID, priceID string) (*models.License, error)
	ReleaseSession(ctx context.Context, sessionID string) (bool, error)
	HasRedeemedLicense(ctx context.Context, userID string) (bool, error)
}

// PasswordHasher hashes and checks account passwords
type PasswordHasher interface {
	Hash(password string) (string, error)
	Check(hash, password string) bool
}

// TokenIssuer mints session tokens for signed-in users
type TokenIssuer interface {
	Issue(userID, email string) (string, error)
}

// CheckoutProvider creates hosted payment sessions
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*payments.CheckoutSession, error)
}
