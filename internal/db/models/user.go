// Package models - user.go defines the account model. A user with no password
// hash is a placeholder created by a purchase or a redeem-by-email request; the
// first registration for that email claims it.
package models

import (
	"strings"
	"time"
)

// User represents an account that can own licenses
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         *string   `json:"name,omitempty" db:"name"`
	PasswordHash *string   `json:"-" db:"password_hash"`
	IsTrial      bool      `json:"isTrial" db:"is_trial"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// IsPlaceholder reports whether the account has never been registered with a password
func (u *User) IsPlaceholder() bool {
	return u.PasswordHash == nil || *u.PasswordHash == ""
}

// NormalizeEmail lower-cases and trims an address so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
