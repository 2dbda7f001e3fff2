package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/auth"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/db/repositories"
)

// RegisterInput is a registration request
type RegisterInput struct {
	Email       string
	Password    string
	Name        *string
	LicenseCode string
}

// RegisterResult is a created account. When a license code was supplied and
// could not be redeemed, the account still exists and LicenseError says why.
type RegisterResult struct {
	User         *models.User
	Token        string
	License      *models.License
	LicenseError *apperrors.Error
}

// LoginResult is a signed-in account
type LoginResult struct {
	User       *models.User
	Token      string
	HasLicense bool
}

// AccountService handles registration, sign-in and license ownership checks
type AccountService struct {
	users    UserStore
	licenses *LicenseService
	hasher   PasswordHasher
	tokens   TokenIssuer
}

// NewAccountService creates an account service
func NewAccountService(users UserStore, licenses *LicenseService, hasher PasswordHasher, tokens TokenIssuer) *AccountService {
	return &AccountService{
		users:    users,
		licenses: licenses,
		hasher:   hasher,
		tokens:   tokens,
	}
}

// Register creates an account, or claims the placeholder account a purchase
// or redeem-by-email left behind for the address.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	email := models.NormalizeEmail(in.Email)
	if email == "" {
		return nil, apperrors.Validation("Email is required")
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, apperrors.Validation(fmt.Sprintf("Password must be at least %d characters", auth.MinPasswordLength))
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to look up user", "op", "register", "email", email, "error", err)
		return nil, apperrors.Upstream("get user", err)
	}
	if existing != nil && !existing.IsPlaceholder() {
		return nil, apperrors.ErrEmailExists
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperrors.Upstream("hash password", err)
	}

	var user *models.User
	if existing == nil {
		user = &models.User{Email: email, Name: in.Name, PasswordHash: &hash}
		if err := s.users.CreateUser(ctx, user); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, apperrors.ErrEmailExists
			}
			slog.Error("failed to create user", "op", "register", "email", email, "error", err)
			return nil, apperrors.Upstream("create user", err)
		}
		slog.Info("user registered", "user_id", user.ID)
	} else {
		claimed, err := s.users.ClaimPlaceholder(ctx, existing.ID, hash, in.Name)
		if err != nil {
			slog.Error("failed to claim placeholder user", "op", "register", "user_id", existing.ID, "error", err)
			return nil, apperrors.Upstream("claim user", err)
		}
		if !claimed {
			return nil, apperrors.ErrEmailExists
		}
		user = existing
		user.PasswordHash = &hash
		if in.Name != nil {
			user.Name = in.Name
		}
		slog.Info("placeholder user claimed", "user_id", user.ID)
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, apperrors.Upstream("issue token", err)
	}
	result := &RegisterResult{User: user, Token: token}

	if code := strings.TrimSpace(in.LicenseCode); code != "" {
		out, err := s.licenses.Redeem(ctx, code, UserRef{UserID: user.ID})
		if err != nil {
			result.LicenseError = apperrors.From(err)
			slog.Warn("license redeem during registration failed", "user_id", user.ID, "license_code", code, "error", err)
		} else {
			result.License = out.License
		}
	}

	return result, nil
}

// Login checks credentials and returns a session token
func (s *AccountService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.Validation("Email and password are required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to look up user", "op", "login", "email", email, "error", err)
		return nil, apperrors.Upstream("get user", err)
	}
	if user == nil {
		return nil, apperrors.ErrUserNotFound
	}
	if user.IsPlaceholder() || !s.hasher.Check(*user.PasswordHash, password) {
		return nil, apperrors.ErrInvalidCredentials
	}

	hasLicense, err := s.licenses.HasLicense(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, apperrors.Upstream("issue token", err)
	}

	return &LoginResult{User: user, Token: token, HasLicense: hasLicense}, nil
}

// HasLicense reports whether the account registered under email owns a
// redeemed license. Unknown addresses report false.
func (s *AccountService) HasLicense(ctx context.Context, email string) (bool, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return false, apperrors.Validation("Email is required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return false, apperrors.Upstream("get user", err)
	}
	if user == nil {
		return false, nil
	}
	return s.licenses.HasLicense(ctx, user.ID)
}
