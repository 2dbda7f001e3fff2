// Package repositories implements the data access layer for the license store.
// Each repository type encapsulates all queries for one entity. Handlers and
// services never issue SQL directly.
//
// Lookups that find nothing return (nil, nil). Unique constraint violations
// are reported as ErrDuplicate so callers can map them without inspecting
// driver errors.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/license-server/license-server/internal/db/models"
)

// ErrDuplicate is returned when an insert violates a unique constraint
var ErrDuplicate = errors.New("duplicate key")

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const userColumns = `id, email, name, password_hash, is_trial, created_at`

// UserRepository handles user database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a new user. The email is normalized before insert.
// Returns ErrDuplicate when the email is already taken.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = uuid.New().String()
	user.Email = models.NormalizeEmail(user.Email)
	user.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO users (id, email, name, password_hash, is_trial, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.IsTrial,
		user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetUserByEmail retrieves a user by (normalized) email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, models.NormalizeEmail(email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return &user, nil
}

// EnsureUser returns the user with the given email, creating a placeholder
// account (no password) when none exists. created reports whether this call
// inserted the row. Safe under concurrent calls for the same email.
func (r *UserRepository) EnsureUser(ctx context.Context, email string) (user *models.User, created bool, err error) {
	email = models.NormalizeEmail(email)

	query := `
		INSERT INTO users (id, email, is_trial, created_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (email) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, uuid.New().String(), email, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}

	user, err = r.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, fmt.Errorf("failed to ensure user: %s vanished after insert", email)
	}
	return user, rows == 1, nil
}

// ClaimPlaceholder sets the password on a placeholder account. It returns
// false when the account already has a password, so two registrations racing
// for the same placeholder cannot both succeed.
func (r *UserRepository) ClaimPlaceholder(ctx context.Context, userID, passwordHash string, name *string) (bool, error) {
	query := `
		UPDATE users
		SET password_hash = $2, name = COALESCE($3, name)
		WHERE id = $1 AND (password_hash IS NULL OR password_hash = '')
	`
	res, err := r.db.ExecContext(ctx, query, userID, passwordHash, name)
	if err != nil {
		return false, fmt.Errorf("failed to claim user: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim user: %w", err)
	}
	return rows == 1, nil
}
