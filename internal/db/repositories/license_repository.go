// license_repository.go implements LicenseRepository. Every state change is a
// single conditional UPDATE whose WHERE clause names the states the change is
// allowed from, so two callers can never both move the same license.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/license-server/license-server/internal/db/models"
)

const licenseColumns = `id, code, status, user_id, redeemed_at, metadata, created_at`

// sqlStatusList renders the stored values (canonical and legacy) of the given
// statuses as a quoted SQL list, e.g. 'available', 'unused'.
func sqlStatusList(statuses ...models.LicenseStatus) string {
	var quoted []string
	for _, s := range statuses {
		for _, v := range s.StoredValues() {
			quoted = append(quoted, "'"+string(v)+"'")
		}
	}
	return strings.Join(quoted, ", ")
}

// Status guards of the conditional writes. Transition guards come from the
// lifecycle table in models; the rest match a single state.
var (
	redeemableStatuses = sqlStatusList(models.StatusesLeadingTo(models.LicenseRedeemed)...)
	reservableStatuses = sqlStatusList(models.StatusesLeadingTo(models.LicenseReserved)...)
	releasableStatuses = sqlStatusList(models.StatusesLeadingTo(models.LicenseAvailable)...)
	reservedStatuses   = sqlStatusList(models.LicenseReserved)
	redeemedStatuses   = sqlStatusList(models.LicenseRedeemed)
)

var (
	redeemQuery = `
		UPDATE licenses
		SET status = 'redeemed', user_id = $1, redeemed_at = $2
		WHERE code = $3 AND status IN (` + redeemableStatuses + `)
		RETURNING ` + licenseColumns

	completeReservationQuery = `
		UPDATE licenses
		SET status = 'redeemed', user_id = $1, redeemed_at = $2, metadata = metadata || $3::jsonb
		WHERE id = $4 AND status IN (` + reservedStatuses + `)
		RETURNING ` + licenseColumns

	returnReservationQuery = `
		UPDATE licenses
		SET status = 'available', metadata = metadata || $1::jsonb
		WHERE id = $2 AND status IN (` + releasableStatuses + `)
		RETURNING ` + licenseColumns

	reserveQuery = `
		UPDATE licenses
		SET status = 'reserved', metadata = metadata || $1::jsonb
		WHERE id = (
			SELECT id FROM licenses
			WHERE status IN (` + reservableStatuses + `)
			  AND user_id IS NULL
			  AND metadata ->> 'payment_session_id' IS NULL
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + licenseColumns

	releaseQuery = `
		UPDATE licenses
		SET status = 'available', metadata = metadata - 'payment_session_id' - 'price_id'
		WHERE metadata ->> 'payment_session_id' = $1 AND status IN (` + releasableStatuses + `)`

	hasRedeemedQuery = `
		SELECT EXISTS (
			SELECT 1 FROM licenses WHERE user_id = $1 AND status IN (` + redeemedStatuses + `)
		)`
)

// LicenseRepository handles license and redemption database operations
type LicenseRepository struct {
	db *sqlx.DB
}

// NewLicenseRepository creates a new LicenseRepository
func NewLicenseRepository(db *sqlx.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// GetByCode retrieves a license by its exact code
func (r *LicenseRepository) GetByCode(ctx context.Context, code string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE code = $1`

	var lic models.License
	err := r.db.GetContext(ctx, &lic, query, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	return &lic, nil
}

// CreateAvailable inserts an unowned license into the pool. It returns false
// without error when the code already exists.
func (r *LicenseRepository) CreateAvailable(ctx context.Context, code string, metadata models.LicenseMetadata) (bool, error) {
	query := `
		INSERT INTO licenses (id, code, status, metadata, created_at)
		VALUES ($1, $2, 'available', $3, $4)
		ON CONFLICT (code) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, uuid.New().String(), code, metadata, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create license: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create license: %w", err)
	}
	return rows == 1, nil
}

// Redeem assigns the license with the given code to userID. The status check
// and the assignment are one statement, so of any number of concurrent callers
// exactly one sees Applied. The redemption record is written in the same
// transaction.
//
// When the update matches nothing the license is re-read to tell a missing
// code (License == nil) from one already owned by userID (Replayed) or by
// someone else.
func (r *LicenseRepository) Redeem(ctx context.Context, code, userID string, at time.Time) (*models.RedeemResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin redeem: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	var lic models.License
	err = tx.GetContext(ctx, &lic, redeemQuery, userID, at, code)
	if err == sql.ErrNoRows {
		return r.classifyMissedRedeem(ctx, tx, code, userID, at)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem license: %w", err)
	}

	if err := insertRedemption(ctx, tx, userID, lic.ID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redeem: %w", err)
	}

	return &models.RedeemResult{License: &lic, Applied: true}, nil
}

func (r *LicenseRepository) classifyMissedRedeem(ctx context.Context, tx *sqlx.Tx, code, userID string, at time.Time) (*models.RedeemResult, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE code = $1`

	var lic models.License
	err := tx.GetContext(ctx, &lic, query, code)
	if err == sql.ErrNoRows {
		return &models.RedeemResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license after redeem miss: %w", err)
	}

	if lic.Status != models.LicenseRedeemed || !lic.OwnedBy(userID) {
		return &models.RedeemResult{License: &lic}, nil
	}

	// Same owner: make sure the redemption record exists, then report a replay.
	if err := insertRedemption(ctx, tx, userID, lic.ID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redeem replay: %w", err)
	}
	return &models.RedeemResult{License: &lic, Replayed: true}, nil
}

func insertRedemption(ctx context.Context, tx *sqlx.Tx, userID, licenseID string, at time.Time) error {
	query := `
		INSERT INTO redemptions (user_id, license_id, activated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, license_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, query, userID, licenseID, at); err != nil {
		return fmt.Errorf("failed to record redemption: %w", err)
	}
	return nil
}

func getBySessionForUpdate(ctx context.Context, tx *sqlx.Tx, sessionID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE metadata ->> 'payment_session_id' = $1 FOR UPDATE`

	var lic models.License
	err := tx.GetContext(ctx, &lic, query, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license by session: %w", err)
	}
	return &lic, nil
}

// IssueForSession fulfils a completed payment session. The session id is the
// idempotency key:
//   - a license already tagged with the session and not reserved is a duplicate delivery;
//   - a reserved license tagged with the session is completed in place;
//   - otherwise a new license is inserted with iss.Code.
//
// Licenses with an owner are inserted redeemed together with their redemption
// record; without an owner they enter the pool as available. ErrDuplicate is
// returned only when iss.Code collides with an existing code.
func (r *LicenseRepository) IssueForSession(ctx context.Context, iss models.Issuance) (*models.IssueResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin issuance: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	existing, err := getBySessionForUpdate(ctx, tx, iss.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != models.LicenseReserved {
			return &models.IssueResult{License: existing, Duplicate: true}, nil
		}
		return r.fulfilReservation(ctx, tx, existing, iss)
	}

	meta := issuanceMetadata(iss)
	status := models.LicenseAvailable
	var redeemedAt *time.Time
	if iss.UserID != nil {
		status = models.LicenseRedeemed
		redeemedAt = &iss.IssuedAt
	}

	query := `
		INSERT INTO licenses (id, code, status, user_id, redeemed_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING ` + licenseColumns

	var lic models.License
	err = tx.GetContext(ctx, &lic, query,
		uuid.New().String(),
		iss.Code,
		string(status),
		iss.UserID,
		redeemedAt,
		meta,
		iss.IssuedAt,
	)
	if err == sql.ErrNoRows {
		// Either a concurrent delivery of the same session committed first,
		// or the generated code collided.
		existing, err := getBySessionForUpdate(ctx, tx, iss.SessionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &models.IssueResult{License: existing, Duplicate: true}, nil
		}
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to issue license: %w", err)
	}

	if iss.UserID != nil {
		if err := insertRedemption(ctx, tx, *iss.UserID, lic.ID, iss.IssuedAt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit issuance: %w", err)
	}

	return &models.IssueResult{License: &lic}, nil
}

// fulfilReservation completes a reserved license for its paid session. With
// no owner to assign, the license goes back to available but keeps the
// session tag so the sale stays traceable.
func (r *LicenseRepository) fulfilReservation(ctx context.Context, tx *sqlx.Tx, reserved *models.License, iss models.Issuance) (*models.IssueResult, error) {
	meta := issuanceMetadata(iss)

	var lic models.License
	var err error
	if iss.UserID != nil {
		err = tx.GetContext(ctx, &lic, completeReservationQuery, *iss.UserID, iss.IssuedAt, meta, reserved.ID)
	} else {
		err = tx.GetContext(ctx, &lic, returnReservationQuery, meta, reserved.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fulfil reservation: %w", err)
	}

	if iss.UserID != nil {
		if err := insertRedemption(ctx, tx, *iss.UserID, lic.ID, iss.IssuedAt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return &models.IssueResult{License: &lic, FromReservation: true}, nil
}

func issuanceMetadata(iss models.Issuance) models.LicenseMetadata {
	meta := models.LicenseMetadata{
		models.MetaPaymentSessionID: iss.SessionID,
		models.MetaSource:           "checkout",
	}
	if iss.PriceID != "" {
		meta[models.MetaPriceID] = iss.PriceID
	}
	if iss.CustomerEmail != "" {
		meta[models.MetaCustomerEmail] = iss.CustomerEmail
	}
	return meta
}

// ReserveForSession moves the oldest untagged available license to reserved
// and tags it with sessionID. Concurrent callers skip each other's rows.
// Returns (nil, nil) when the pool is empty.
func (r *LicenseRepository) ReserveForSession(ctx context.Context, sessionID, priceID string) (*models.License, error) {
	meta := models.LicenseMetadata{models.MetaPaymentSessionID: sessionID}
	if priceID != "" {
		meta[models.MetaPriceID] = priceID
	}

	var lic models.License
	err := r.db.GetContext(ctx, &lic, reserveQuery, meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve license: %w", err)
	}
	return &lic, nil
}

// ReleaseSession returns a license reserved for sessionID to the pool
func (r *LicenseRepository) ReleaseSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, releaseQuery, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}
	return rows > 0, nil
}

// HasRedeemedLicense reports whether userID owns at least one redeemed license
func (r *LicenseRepository) HasRedeemedLicense(ctx context.Context, userID string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, hasRedeemedQuery, userID); err != nil {
		return false, fmt.Errorf("failed to check licenses: %w", err)
	}
	return exists, nil
}

// CountByStatus returns the number of licenses per canonical status
func (r *LicenseRepository) CountByStatus(ctx context.Context) (map[models.LicenseStatus]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LicenseStatus]int)
	for rows.Next() {
		var status models.LicenseStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan license count: %w", err)
		}
		counts[status] += n
	}
	return counts, rows.Err()
}
