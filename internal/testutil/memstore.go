// Package testutil provides an in-memory user and license store for service and
// handler tests. Every method runs under one mutex, so each call is atomic in
// the same way the conditional statements of the SQL repositories are.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/db/repositories"
)

type redemptionKey struct {
	userID    string
	licenseID string
}

// MemStore implements the user and license store interfaces in memory
type MemStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	emails      map[string]string
	licenses    map[string]*models.License
	order       []string
	redemptions map[redemptionKey]time.Time
	failures    map[string]error
}

// NewMemStore returns an empty store
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*models.User),
		emails:      make(map[string]string),
		licenses:    make(map[string]*models.License),
		redemptions: make(map[redemptionKey]time.Time),
		failures:    make(map[string]error),
	}
}

// Fail makes every later call to method return err. A nil err clears it.
func (m *MemStore) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func cloneUser(u *models.User) *models.User {
	c := *u
	return &c
}

func cloneLicense(l *models.License) *models.License {
	c := *l
	c.Metadata = make(models.LicenseMetadata, len(l.Metadata))
	for k, v := range l.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// AddLicense seeds a license with the given code and status and no owner
func (m *MemStore) AddLicense(code string, status models.LicenseStatus) *models.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic := &models.License{
		ID:        uuid.New().String(),
		Code:      code,
		Status:    status,
		Metadata:  models.LicenseMetadata{},
		CreatedAt: time.Now().UTC(),
	}
	m.putLicense(lic)
	return cloneLicense(lic)
}

// AddUser seeds a user. An empty passwordHash makes a placeholder account.
func (m *MemStore) AddUser(email, passwordHash string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{
		ID:        uuid.New().String(),
		Email:     models.NormalizeEmail(email),
		CreatedAt: time.Now().UTC(),
	}
	if passwordHash != "" {
		u.PasswordHash = &passwordHash
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return cloneUser(u)
}

// License returns a copy of the license with the given code, or nil
func (m *MemStore) License(code string) *models.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lic, ok := m.licenses[code]; ok {
		return cloneLicense(lic)
	}
	return nil
}

// LicenseCount returns the number of stored licenses
func (m *MemStore) LicenseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.licenses)
}

// UserCount returns the number of stored users
func (m *MemStore) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// RedemptionCount returns the number of redemption records
func (m *MemStore) RedemptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redemptions)
}

// HasRedemption reports whether a redemption record links userID and licenseID
func (m *MemStore) HasRedemption(userID, licenseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.redemptions[redemptionKey{userID, licenseID}]
	return ok
}

// LicenseBySession returns a copy of the license tied to a checkout session, or nil
func (m *MemStore) LicenseBySession(sessionID string) *models.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lic := m.bySession(sessionID); lic != nil {
		return cloneLicense(lic)
	}
	return nil
}

// UserByEmail returns a copy of the user with the given email, or nil
func (m *MemStore) UserByEmail(email string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.emails[models.NormalizeEmail(email)]; ok {
		return cloneUser(m.users[id])
	}
	return nil
}

func (m *MemStore) putLicense(lic *models.License) {
	if _, exists := m.licenses[lic.Code]; !exists {
		m.order = append(m.order, lic.Code)
	}
	m.licenses[lic.Code] = lic
}

func (m *MemStore) bySession(sessionID string) *models.License {
	for _, code := range m.order {
		if lic := m.licenses[code]; lic.SessionID() == sessionID {
			return lic
		}
	}
	return nil
}

// CreateUser implements services.UserStore
func (m *MemStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["CreateUser"]; err != nil {
		return err
	}

	user.Email = models.NormalizeEmail(user.Email)
	if _, taken := m.emails[user.Email]; taken {
		return repositories.ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	m.users[user.ID] = cloneUser(user)
	m.emails[user.Email] = user.ID
	return nil
}

// GetUserByID implements services.UserStore
func (m *MemStore) GetUserByID(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetUserByID"]; err != nil {
		return nil, err
	}
	if u, ok := m.users[userID]; ok {
		return cloneUser(u), nil
	}
	return nil, nil
}

// GetUserByEmail implements services.UserStore
func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetUserByEmail"]; err != nil {
		return nil, err
	}
	if id, ok := m.emails[models.NormalizeEmail(email)]; ok {
		return cloneUser(m.users[id]), nil
	}
	return nil, nil
}

// EnsureUser implements services.UserStore
func (m *MemStore) EnsureUser(_ context.Context, email string) (*models.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["EnsureUser"]; err != nil {
		return nil, false, err
	}

	email = models.NormalizeEmail(email)
	if id, ok := m.emails[email]; ok {
		return cloneUser(m.users[id]), false, nil
	}
	u := &models.User{ID: uuid.New().String(), Email: email, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return cloneUser(u), true, nil
}

// ClaimPlaceholder implements services.UserStore
func (m *MemStore) ClaimPlaceholder(_ context.Context, userID, passwordHash string, name *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ClaimPlaceholder"]; err != nil {
		return false, err
	}

	u, ok := m.users[userID]
	if !ok || !u.IsPlaceholder() {
		return false, nil
	}
	u.PasswordHash = &passwordHash
	if name != nil {
		u.Name = name
	}
	return true, nil
}

// GetByCode implements services.LicenseStore
func (m *MemStore) GetByCode(_ context.Context, code string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetByCode"]; err != nil {
		return nil, err
	}
	if lic, ok := m.licenses[code]; ok {
		return cloneLicense(lic), nil
	}
	return nil, nil
}

// Redeem implements services.LicenseStore
func (m *MemStore) Redeem(_ context.Context, code, userID string, at time.Time) (*models.RedeemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Redeem"]; err != nil {
		return nil, err
	}

	lic, ok := m.licenses[code]
	if !ok {
		return &models.RedeemResult{}, nil
	}

	if lic.Status.CanTransitionTo(models.LicenseRedeemed) {
		owner := userID
		lic.Status = models.LicenseRedeemed
		lic.UserID = &owner
		lic.RedeemedAt = &at
		m.redemptions[redemptionKey{userID, lic.ID}] = at
		return &models.RedeemResult{License: cloneLicense(lic), Applied: true}, nil
	}

	if lic.Status == models.LicenseRedeemed && lic.OwnedBy(userID) {
		key := redemptionKey{userID, lic.ID}
		if _, ok := m.redemptions[key]; !ok {
			m.redemptions[key] = at
		}
		return &models.RedeemResult{License: cloneLicense(lic), Replayed: true}, nil
	}
	return &models.RedeemResult{License: cloneLicense(lic)}, nil
}

// IssueForSession implements services.LicenseStore
func (m *MemStore) IssueForSession(_ context.Context, iss models.Issuance) (*models.IssueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["IssueForSession"]; err != nil {
		return nil, err
	}

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

	if existing := m.bySession(iss.SessionID); existing != nil {
		if existing.Status != models.LicenseReserved {
			return &models.IssueResult{License: cloneLicense(existing), Duplicate: true}, nil
		}
		for k, v := range meta {
			existing.Metadata[k] = v
		}
		if iss.UserID != nil {
			owner := *iss.UserID
			issuedAt := iss.IssuedAt
			existing.Status = models.LicenseRedeemed
			existing.UserID = &owner
			existing.RedeemedAt = &issuedAt
			m.redemptions[redemptionKey{owner, existing.ID}] = issuedAt
		} else {
			existing.Status = models.LicenseAvailable
		}
		return &models.IssueResult{License: cloneLicense(existing), FromReservation: true}, nil
	}

	if _, taken := m.licenses[iss.Code]; taken {
		return nil, repositories.ErrDuplicate
	}

	lic := &models.License{
		ID:        uuid.New().String(),
		Code:      iss.Code,
		Status:    models.LicenseAvailable,
		Metadata:  meta,
		CreatedAt: iss.IssuedAt,
	}
	if iss.UserID != nil {
		owner := *iss.UserID
		issuedAt := iss.IssuedAt
		lic.Status = models.LicenseRedeemed
		lic.UserID = &owner
		lic.RedeemedAt = &issuedAt
		m.redemptions[redemptionKey{owner, lic.ID}] = issuedAt
	}
	m.putLicense(lic)
	return &models.IssueResult{License: cloneLicense(lic)}, nil
}

// ReserveForSession implements services.LicenseStore
func (m *MemStore) ReserveForSession(_ context.Context, sessionID, priceID string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ReserveForSession"]; err != nil {
		return nil, err
	}

	if m.bySession(sessionID) != nil {
		return nil, repositories.ErrDuplicate
	}
	for _, code := range m.order {
		lic := m.licenses[code]
		if lic.Status != models.LicenseAvailable || lic.SessionID() != "" {
			continue
		}
		lic.Status = models.LicenseReserved
		lic.Metadata[models.MetaPaymentSessionID] = sessionID
		if priceID != "" {
			lic.Metadata[models.MetaPriceID] = priceID
		}
		return cloneLicense(lic), nil
	}
	return nil, nil
}

// ReleaseSession implements services.LicenseStore
func (m *MemStore) ReleaseSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ReleaseSession"]; err != nil {
		return false, err
	}

	lic := m.bySession(sessionID)
	if lic == nil || lic.Status != models.LicenseReserved {
		return false, nil
	}
	lic.Status = models.LicenseAvailable
	delete(lic.Metadata, models.MetaPaymentSessionID)
	delete(lic.Metadata, models.MetaPriceID)
	return true, nil
}

// HasRedeemedLicense implements services.LicenseStore
func (m *MemStore) HasRedeemedLicense(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["HasRedeemedLicense"]; err != nil {
		return false, err
	}
	for _, lic := range m.licenses {
		if lic.Status == models.LicenseRedeemed && lic.OwnedBy(userID) {
			return true, nil
		}
	}
	return false, nil
}
