// Package models - license.go defines the license lifecycle: statuses, the
// allowed transition table, legacy status normalization, and the JSONB
// metadata carried on each license row.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LicenseStatus is the lifecycle state of a license
type LicenseStatus string

const (
	LicenseAvailable LicenseStatus = "available"
	LicenseReserved  LicenseStatus = "reserved"
	LicenseRedeemed  LicenseStatus = "redeemed"
)

// Status values written by earlier revisions of the service. They are still
// found in older rows and are normalized when read.
const (
	legacyUnused LicenseStatus = "unused"
	legacySold   LicenseStatus = "sold"
	legacyUsed   LicenseStatus = "used"
)

var legacySynonyms = map[LicenseStatus]LicenseStatus{
	legacyUnused: LicenseAvailable,
	legacySold:   LicenseReserved,
	legacyUsed:   LicenseRedeemed,
}

// transitions lists, for each state, the states it may move to.
// redeemed is terminal.
var transitions = map[LicenseStatus][]LicenseStatus{
	LicenseAvailable: {LicenseReserved, LicenseRedeemed},
	LicenseReserved:  {LicenseAvailable, LicenseRedeemed},
	LicenseRedeemed:  nil,
}

// lifecycleOrder fixes the iteration order over transitions
var lifecycleOrder = []LicenseStatus{LicenseAvailable, LicenseReserved, LicenseRedeemed}

// NormalizeLicenseStatus maps legacy vocabulary onto the canonical states.
// Unknown values are returned unchanged.
func NormalizeLicenseStatus(s string) LicenseStatus {
	status := LicenseStatus(strings.ToLower(strings.TrimSpace(s)))
	if canonical, ok := legacySynonyms[status]; ok {
		return canonical
	}
	return status
}

// Valid reports whether s is one of the canonical states
func (s LicenseStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next
func (s LicenseStatus) CanTransitionTo(next LicenseStatus) bool {
	for _, allowed := range transitions[NormalizeLicenseStatus(string(s))] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusesLeadingTo returns, in lifecycle order, the canonical states that may
// move to next. Conditional writes derive their status guards from it.
func StatusesLeadingTo(next LicenseStatus) []LicenseStatus {
	var from []LicenseStatus
	for _, s := range lifecycleOrder {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// StoredValues returns every value that may be persisted for s, canonical
// value first, followed by legacy synonyms. Conditional writes match on all of them.
func (s LicenseStatus) StoredValues() []LicenseStatus {
	values := []LicenseStatus{s}
	for legacy, canonical := range legacySynonyms {
		if canonical == s {
			values = append(values, legacy)
		}
	}
	return values
}

// Scan implements sql.Scanner, normalizing legacy values on read
func (s *LicenseStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s = NormalizeLicenseStatus(v)
	case []byte:
		*s = NormalizeLicenseStatus(string(v))
	case nil:
		*s = ""
	default:
		return fmt.Errorf("cannot scan %T into LicenseStatus", src)
	}
	return nil
}

// Metadata keys stored on licenses
const (
	MetaPaymentSessionID = "payment_session_id"
	MetaPriceID          = "price_id"
	MetaProductID        = "product_id"
	MetaCustomerEmail    = "customer_email"
	MetaSource           = "source"
)

// LicenseMetadata is the free-form JSONB column on licenses
type LicenseMetadata map[string]string

// Value implements driver.Valuer. The JSON is returned as a string so it
// binds to jsonb parameters as text.
func (m LicenseMetadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner
func (m *LicenseMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*m = LicenseMetadata{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into LicenseMetadata", src)
	}
	out := LicenseMetadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("invalid license metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// License is a single redeemable entitlement identified by its code
type License struct {
	ID         string          `json:"id" db:"id"`
	Code       string          `json:"code" db:"code"`
	Status     LicenseStatus   `json:"status" db:"status"`
	UserID     *string         `json:"userId,omitempty" db:"user_id"`
	RedeemedAt *time.Time      `json:"redeemedAt,omitempty" db:"redeemed_at"`
	Metadata   LicenseMetadata `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
}

// OwnedBy reports whether the license is assigned to userID
func (l *License) OwnedBy(userID string) bool {
	return l.UserID != nil && *l.UserID == userID
}

// SessionID returns the payment session the license was issued or reserved for
func (l *License) SessionID() string {
	return l.Metadata[MetaPaymentSessionID]
}

// Redemption is the durable record that a user activated a license
type Redemption struct {
	UserID      string    `json:"userId" db:"user_id"`
	LicenseID   string    `json:"licenseId" db:"license_id"`
	ActivatedAt time.Time `json:"activatedAt" db:"activated_at"`
}

// RedeemResult is the outcome of a conditional redeem attempt.
// License is nil when no license carries the code. When Applied and Replayed
// are both false the license belongs to another user.
type RedeemResult struct {
	License  *License
	Applied  bool
	Replayed bool
}

// Issuance describes a license to issue for a completed payment session
type Issuance struct {
	SessionID     string
	Code          string
	UserID        *string
	PriceID       string
	CustomerEmail string
	IssuedAt      time.Time
}

// IssueResult is the outcome of issuing a license for a payment session
type IssueResult struct {
	License *License
	// Duplicate is set when the session had already been fulfilled
	Duplicate bool
	// FromReservation is set when a reserved pool license was completed
	FromReservation bool
}
