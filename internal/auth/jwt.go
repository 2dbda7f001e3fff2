// Package auth - jwt.go handles session token creation, signing, and verification
// using a shared secret, including the development fallback secret and claims parsing.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "license-server"
	defaultTokenTTL = 168 * time.Hour
	minSecretLength = 32
)

// ErrSecretRequired is returned by NewTokenIssuer outside development mode
// when no signing secret is configured.
var ErrSecretRequired = errors.New("SECURITY ERROR: auth.jwt_secret (JWT_SECRET) is required in production. " +
	"Generate a secure secret with: openssl rand -hex 32")

// Claims represents the session token claims structure
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewTokenIssuer validates the configured secret and returns an issuer.
// In dev mode an empty secret is replaced by a random one and a warning is
// logged; in production it is an error.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		if !isDevMode() {
			return nil, ErrSecretRequired
		}
		secret = generateRandomSecret()
		slog.Warn("auth.jwt_secret not set, using auto-generated secret for development",
			"note", "sessions will not persist across restarts")
	} else if len(secret) < minSecretLength {
		slog.Warn("auth.jwt_secret is shorter than the recommended 32 characters")
	}

	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue creates a session token for an authenticated user
func (i *TokenIssuer) Issue(userID, email string) (string, error) {
	now := i.now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse validates a session token and returns its claims
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}

	return claims, nil
}
