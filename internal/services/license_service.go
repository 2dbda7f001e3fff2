package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/crypto"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/db/repositories"
	"github.com/license-server/license-server/internal/notifications"
	"github.com/license-server/license-server/internal/safego"
	"github.com/license-server/license-server/internal/telemetry"
)

const (
	// maxCodeAttempts bounds regeneration when a freshly minted code collides
	// with an existing one
	maxCodeAttempts = 5

	// notifyTimeout bounds a detached email send, which the mailer also
	// bounds by its own SMTP timeout
	notifyTimeout = 30 * time.Second

	reservationReserved  = "reserved"
	reservationEmptyPool = "empty_pool"
	reservationReleased  = "released"
	reservationError     = "error"

	notificationSent    = "sent"
	notificationFailed  = "failed"
	notificationSkipped = "skipped"
)

// UserRef identifies the user a license is redeemed for. UserID wins when both
// are set; an Email with no account behind it gets a placeholder account.
type UserRef struct {
	UserID string
	Email  string
}

// RedeemOutcome is a successful redemption
type RedeemOutcome struct {
	License  *models.License
	User     *models.User
	Replayed bool
}

// Purchase is a paid checkout session to fulfil
type Purchase struct {
	SessionID string
	Email     string
	PriceID   string
}

// Validation reports what a license code check found. Status is empty when no
// license has the code. Owned is only meaningful when a user was given.
type Validation struct {
	Valid  bool
	Status models.LicenseStatus
	Owned  bool
}

// IssueOutcome is the result of fulfilling a purchase
type IssueOutcome struct {
	License         *models.License
	Owner           *models.User
	Duplicate       bool
	FromReservation bool
}

// LicenseService drives the license lifecycle: redeeming codes for users,
// issuing licenses for paid sessions, and reserving pool licenses at checkout.
type LicenseService struct {
	users           UserStore
	licenses        LicenseStore
	mailer          notifications.Mailer
	reserveFromPool bool

	now      func() time.Time
	newCode  func() (string, error)
	dispatch func(ctx context.Context, name string, timeout time.Duration, fn func(context.Context))
}

// NewLicenseService creates a license service. mailer may be nil, in which case
// no license emails are sent.
func NewLicenseService(users UserStore, licenses LicenseStore, mailer notifications.Mailer, reserveFromPool bool) *LicenseService {
	return &LicenseService{
		users:           users,
		licenses:        licenses,
		mailer:          mailer,
		reserveFromPool: reserveFromPool,
		now:             time.Now,
		newCode:         crypto.GenerateLicenseCode,
		dispatch:        safego.GoDetached,
	}
}

// Redeem assigns the license identified by code to the referenced user.
//
// Errors: ErrLicenseNotFound when no license has the code, ErrUserNotFound
// when ref.UserID names no account, ErrLicenseAlreadyRedeemed when another
// user owns the license. Redeeming a license the user already owns succeeds
// with Replayed set and sends no email.
func (s *LicenseService) Redeem(ctx context.Context, code string, ref UserRef) (*RedeemOutcome, error) {
	code = crypto.NormalizeLicenseCode(code)
	if code == "" {
		return nil, apperrors.Validation("License code is required")
	}

	user, err := s.resolveUser(ctx, ref)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemNotFound).Inc()
		} else if apperrors.KindOf(err) == apperrors.KindUpstream {
			telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemError).Inc()
		}
		return nil, err
	}

	res, err := s.licenses.Redeem(ctx, code, user.ID, s.now().UTC())
	if err != nil {
		telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemError).Inc()
		slog.Error("license redeem failed", "op", "redeem", "license_code", code, "user_id", user.ID, "error", err)
		return nil, apperrors.Upstream("redeem license", err)
	}

	switch {
	case res.License == nil:
		telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemNotFound).Inc()
		return nil, apperrors.ErrLicenseNotFound
	case res.Replayed:
		telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemReplayed).Inc()
		slog.Info("license redeem replayed", "license_code", code, "user_id", user.ID)
		return &RedeemOutcome{License: res.License, User: user, Replayed: true}, nil
	case !res.Applied:
		telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemAlreadyRedeemed).Inc()
		return nil, apperrors.ErrLicenseAlreadyRedeemed
	}

	telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemSuccess).Inc()
	slog.Info("license redeemed", "license_code", code, "license_id", res.License.ID, "user_id", user.ID)
	s.notify(ctx, user.Email, res.License.Code)

	return &RedeemOutcome{License: res.License, User: user}, nil
}

func (s *LicenseService) resolveUser(ctx context.Context, ref UserRef) (*models.User, error) {
	if userID := strings.TrimSpace(ref.UserID); userID != "" {
		// Ids are UUIDs; anything else cannot name an account.
		if _, err := uuid.Parse(userID); err != nil {
			return nil, apperrors.ErrUserNotFound
		}
		user, err := s.users.GetUserByID(ctx, userID)
		if err != nil {
			slog.Error("failed to look up user", "op", "redeem", "user_id", userID, "error", err)
			return nil, apperrors.Upstream("get user", err)
		}
		if user == nil {
			return nil, apperrors.ErrUserNotFound
		}
		return user, nil
	}

	email := models.NormalizeEmail(ref.Email)
	if email == "" {
		return nil, apperrors.Validation("Email or user id is required")
	}
	user, created, err := s.users.EnsureUser(ctx, email)
	if err != nil {
		slog.Error("failed to ensure user", "op", "redeem", "email", email, "error", err)
		return nil, apperrors.Upstream("ensure user", err)
	}
	if created {
		slog.Info("created placeholder user for redemption", "user_id", user.ID)
	}
	return user, nil
}

// IssueForSession fulfils a paid checkout session. It is idempotent per
// session id: a session that already has a license yields Duplicate and no
// side effects. A license reserved at checkout is completed in place; otherwise
// a new code is minted. Purchases without an email produce an unowned
// available license tagged with the session.
func (s *LicenseService) IssueForSession(ctx context.Context, p Purchase) (*IssueOutcome, error) {
	if p.SessionID == "" {
		return nil, apperrors.Validation("Payment session id is required")
	}

	var owner *models.User
	email := models.NormalizeEmail(p.Email)
	if email != "" {
		user, _, err := s.users.EnsureUser(ctx, email)
		if err != nil {
			telemetry.LicenseIssuancesTotal.WithLabelValues(telemetry.IssueError).Inc()
			slog.Error("failed to ensure purchaser", "op", "issue", "session_id", p.SessionID, "error", err)
			return nil, apperrors.Upstream("ensure purchaser", err)
		}
		owner = user
	} else {
		slog.Warn("checkout session has no purchaser email, issuing unowned license", "session_id", p.SessionID)
	}

	for attempt := 1; ; attempt++ {
		code, err := s.newCode()
		if err != nil {
			telemetry.LicenseIssuancesTotal.WithLabelValues(telemetry.IssueError).Inc()
			return nil, apperrors.Upstream("generate license code", err)
		}

		iss := models.Issuance{
			SessionID:     p.SessionID,
			Code:          code,
			PriceID:       p.PriceID,
			CustomerEmail: email,
			IssuedAt:      s.now().UTC(),
		}
		if owner != nil {
			ownerID := owner.ID
			iss.UserID = &ownerID
		}

		res, err := s.licenses.IssueForSession(ctx, iss)
		if errors.Is(err, repositories.ErrDuplicate) && attempt < maxCodeAttempts {
			slog.Warn("generated license code collided, retrying", "session_id", p.SessionID, "attempt", attempt)
			continue
		}
		if err != nil {
			telemetry.LicenseIssuancesTotal.WithLabelValues(telemetry.IssueError).Inc()
			slog.Error("license issuance failed", "op", "issue", "session_id", p.SessionID, "error", err)
			return nil, apperrors.Upstream("issue license", err)
		}

		out := &IssueOutcome{
			License:         res.License,
			Owner:           owner,
			Duplicate:       res.Duplicate,
			FromReservation: res.FromReservation,
		}
		s.recordIssuance(p.SessionID, out)

		if !out.Duplicate && owner != nil {
			s.notify(ctx, owner.Email, out.License.Code)
		}
		return out, nil
	}
}

func (s *LicenseService) recordIssuance(sessionID string, out *IssueOutcome) {
	result := telemetry.IssueMinted
	switch {
	case out.Duplicate:
		result = telemetry.IssueDuplicate
	case out.FromReservation:
		result = telemetry.IssueCompleted
	case out.Owner == nil:
		result = telemetry.IssueUnowned
	}
	telemetry.LicenseIssuancesTotal.WithLabelValues(result).Inc()
	slog.Info("license issuance", "session_id", sessionID, "result", result, "license_id", out.License.ID)
}

// ReserveForSession sets aside a pool license for a new checkout session.
// It returns (nil, nil) when reservations are disabled, the pool is empty, or
// the session already holds a reservation.
func (s *LicenseService) ReserveForSession(ctx context.Context, sessionID, priceID string) (*models.License, error) {
	if !s.reserveFromPool {
		return nil, nil
	}

	lic, err := s.licenses.ReserveForSession(ctx, sessionID, priceID)
	switch {
	case errors.Is(err, repositories.ErrDuplicate):
		return nil, nil
	case err != nil:
		telemetry.LicenseReservationsTotal.WithLabelValues(reservationError).Inc()
		return nil, apperrors.Upstream("reserve license", err)
	case lic == nil:
		telemetry.LicenseReservationsTotal.WithLabelValues(reservationEmptyPool).Inc()
		slog.Info("no available license to reserve", "session_id", sessionID)
		return nil, nil
	}

	telemetry.LicenseReservationsTotal.WithLabelValues(reservationReserved).Inc()
	slog.Info("license reserved", "session_id", sessionID, "license_id", lic.ID)
	return lic, nil
}

// ReleaseSession returns the license reserved for an expired session to the pool
func (s *LicenseService) ReleaseSession(ctx context.Context, sessionID string) (bool, error) {
	released, err := s.licenses.ReleaseSession(ctx, sessionID)
	if err != nil {
		telemetry.LicenseReservationsTotal.WithLabelValues(reservationError).Inc()
		return false, apperrors.Upstream("release reservation", err)
	}
	if released {
		telemetry.LicenseReservationsTotal.WithLabelValues(reservationReleased).Inc()
		slog.Info("license reservation released", "session_id", sessionID)
	}
	return released, nil
}

// Validate checks whether code names a license. When expect is set the license
// must also be in that state. When ref names a user, Owned reports whether that
// user holds the license; an unknown user owns nothing and is not created.
func (s *LicenseService) Validate(ctx context.Context, code string, ref UserRef, expect models.LicenseStatus) (*Validation, error) {
	code = crypto.NormalizeLicenseCode(code)
	if code == "" {
		return nil, apperrors.Validation("License code is required")
	}

	lic, err := s.licenses.GetByCode(ctx, code)
	if err != nil {
		slog.Error("failed to look up license", "op", "validate", "license_code", code, "error", err)
		return nil, apperrors.Upstream("get license", err)
	}
	if lic == nil {
		return &Validation{}, nil
	}

	out := &Validation{Status: lic.Status, Valid: true}
	if expect != "" {
		out.Valid = lic.Status == models.NormalizeLicenseStatus(string(expect))
	}

	owner, err := s.lookupUser(ctx, ref)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		out.Owned = lic.OwnedBy(owner.ID)
	}
	return out, nil
}

// lookupUser finds the referenced user without creating one. It returns nil
// when ref is empty or names no account.
func (s *LicenseService) lookupUser(ctx context.Context, ref UserRef) (*models.User, error) {
	userID := strings.TrimSpace(ref.UserID)
	email := models.NormalizeEmail(ref.Email)

	var (
		user *models.User
		err  error
	)
	switch {
	case userID != "":
		if _, perr := uuid.Parse(userID); perr != nil {
			return nil, nil
		}
		user, err = s.users.GetUserByID(ctx, userID)
	case email != "":
		user, err = s.users.GetUserByEmail(ctx, email)
	default:
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to look up user", "op", "validate", "error", err)
		return nil, apperrors.Upstream("get user", err)
	}
	return user, nil
}

// HasLicense reports whether userID owns a redeemed license
func (s *LicenseService) HasLicense(ctx context.Context, userID string) (bool, error) {
	has, err := s.licenses.HasRedeemedLicense(ctx, userID)
	if err != nil {
		return false, apperrors.Upstream("check licenses", err)
	}
	return has, nil
}

// notify emails the code in the background. The result never reaches the caller.
func (s *LicenseService) notify(ctx context.Context, to, code string) {
	if s.mailer == nil || to == "" {
		return
	}
	s.dispatch(ctx, "license-email", notifyTimeout, func(ctx context.Context) {
		err := s.mailer.SendLicense(ctx, to, code)
		switch {
		case errors.Is(err, notifications.ErrDisabled):
			telemetry.LicenseNotificationsTotal.WithLabelValues(notificationSkipped).Inc()
		case err != nil:
			telemetry.LicenseNotificationsTotal.WithLabelValues(notificationFailed).Inc()
			slog.Warn("failed to send license email", "license_code", code, "error", err)
		default:
			telemetry.LicenseNotificationsTotal.WithLabelValues(notificationSent).Inc()
			slog.Info("license email sent", "license_code", code)
		}
	})
}
