package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/auth"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/testutil"
)

const testJWTSecret = "test-secret-that-is-at-least-32-characters"

type accountFixture struct {
	store    *testutil.MemStore
	tokens   *auth.TokenIssuer
	accounts *AccountService
	licenses *LicenseService
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	store := testutil.NewMemStore()
	tokens, err := auth.NewTokenIssuer(testJWTSecret, time.Hour)
	require.NoError(t, err)

	licenses := newTestLicenseService(store, nil)
	return &accountFixture{
		store:    store,
		tokens:   tokens,
		licenses: licenses,
		accounts: NewAccountService(store, licenses, auth.NewPasswordHasher(bcrypt.MinCost), tokens),
	}
}

// ---------------------------------------------------------------------------
// Register / Login
// ---------------------------------------------------------------------------

func TestRegisterThenLogin_NoLicense(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	reg, err := f.accounts.Register(ctx, RegisterInput{Email: "a@x.com", Password: "longpass1"})
	require.NoError(t, err)
	assert.Nil(t, reg.License)
	assert.Nil(t, reg.LicenseError)

	claims, err := f.tokens.Parse(reg.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID)
	assert.Equal(t, "a@x.com", claims.Email)

	login, err := f.accounts.Login(ctx, "A@X.com", "longpass1")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)
	assert.False(t, login.HasLicense)
	assert.NotEmpty(t, login.Token)
}

func TestRedeemThenLogin_HasLicense(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)

	_, err := f.accounts.Register(ctx, RegisterInput{Email: "b@x.com", Password: "longpass1"})
	require.NoError(t, err)

	_, err = f.licenses.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "b@x.com"})
	require.NoError(t, err)

	login, err := f.accounts.Login(ctx, "b@x.com", "longpass1")
	require.NoError(t, err)
	assert.True(t, login.HasLicense)

	_, err = f.licenses.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "c@x.com"})
	assert.ErrorIs(t, err, apperrors.ErrLicenseAlreadyRedeemed)
}

func TestRegister_WithLicenseCode(t *testing.T) {
	f := newAccountFixture(t)
	f.store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)

	reg, err := f.accounts.Register(context.Background(), RegisterInput{
		Email:       "a@x.com",
		Password:    "longpass1",
		LicenseCode: " AAAA-BBBB-CCCC ",
	})
	require.NoError(t, err)
	require.NotNil(t, reg.License)
	assert.Nil(t, reg.LicenseError)
	assert.True(t, reg.License.OwnedBy(reg.User.ID))
}

func TestRegister_LicenseFailureKeepsAccount(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	reg, err := f.accounts.Register(ctx, RegisterInput{
		Email:       "a@x.com",
		Password:    "longpass1",
		LicenseCode: "NOPE-NOPE-NOPE",
	})
	require.NoError(t, err)
	assert.Nil(t, reg.License)
	require.NotNil(t, reg.LicenseError)
	assert.Equal(t, "license_not_found", reg.LicenseError.Code)

	_, err = f.accounts.Login(ctx, "a@x.com", "longpass1")
	assert.NoError(t, err)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, RegisterInput{Email: "dup@x.com", Password: "longpass1"})
	require.NoError(t, err)
	before, err := f.store.GetUserByEmail(ctx, "dup@x.com")
	require.NoError(t, err)

	_, err = f.accounts.Register(ctx, RegisterInput{Email: "DUP@x.com", Password: "otherpass2"})
	assert.ErrorIs(t, err, apperrors.ErrEmailExists)

	after, err := f.store.GetUserByEmail(ctx, "dup@x.com")
	require.NoError(t, err)
	assert.Equal(t, *before.PasswordHash, *after.PasswordHash)

	_, err = f.accounts.Login(ctx, "dup@x.com", "otherpass2")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestRegister_ConcurrentDuplicates(t *testing.T) {
	f := newAccountFixture(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.accounts.Register(context.Background(), RegisterInput{Email: "race@x.com", Password: "longpass1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, apperrors.ErrEmailExists) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, conflicts)
	assert.Equal(t, 1, f.store.UserCount())
}

func TestRegister_ClaimsPlaceholder(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)

	redeemed, err := f.licenses.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "buyer@x.com"})
	require.NoError(t, err)

	name := "Buyer"
	reg, err := f.accounts.Register(ctx, RegisterInput{Email: "buyer@x.com", Password: "longpass1", Name: &name})
	require.NoError(t, err)
	assert.Equal(t, redeemed.User.ID, reg.User.ID, "the placeholder account is reused")
	assert.Equal(t, 1, f.store.UserCount())

	login, err := f.accounts.Login(ctx, "buyer@x.com", "longpass1")
	require.NoError(t, err)
	assert.True(t, login.HasLicense)
	require.NotNil(t, login.User.Name)
	assert.Equal(t, "Buyer", *login.User.Name)

	_, err = f.accounts.Register(ctx, RegisterInput{Email: "buyer@x.com", Password: "longpass2"})
	assert.ErrorIs(t, err, apperrors.ErrEmailExists)
}

func TestRegister_Validation(t *testing.T) {
	f := newAccountFixture(t)

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"short password", RegisterInput{Email: "a@x.com", Password: "short"}},
		{"missing email", RegisterInput{Email: "  ", Password: "longpass1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.accounts.Register(context.Background(), tt.in)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.store.UserCount())
}

func TestRegister_StoreFailure(t *testing.T) {
	f := newAccountFixture(t)
	f.store.Fail("CreateUser", errors.New("disk full"))

	_, err := f.accounts.Register(context.Background(), RegisterInput{Email: "a@x.com", Password: "longpass1"})
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
}

func TestLogin_Errors(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, RegisterInput{Email: "a@x.com", Password: "longpass1"})
	require.NoError(t, err)
	f.store.AddUser("placeholder@x.com", "")

	tests := []struct {
		name     string
		email    string
		password string
		want     *apperrors.Error
	}{
		{"unknown email", "nobody@x.com", "longpass1", apperrors.ErrUserNotFound},
		{"wrong password", "a@x.com", "wrongpass", apperrors.ErrInvalidCredentials},
		{"placeholder account", "placeholder@x.com", "anything1", apperrors.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.accounts.Login(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.accounts.Login(ctx, "a@x.com", "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

// ---------------------------------------------------------------------------
// HasLicense
// ---------------------------------------------------------------------------

func TestAccountHasLicense(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)

	has, err := f.accounts.HasLicense(ctx, "unknown@x.com")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = f.licenses.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "owner@x.com"})
	require.NoError(t, err)

	has, err = f.accounts.HasLicense(ctx, " Owner@X.com ")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = f.accounts.HasLicense(ctx, "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
