package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/crypto"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/notifications"
	"github.com/license-server/license-server/internal/telemetry"
	"github.com/license-server/license-server/internal/testutil"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type sentMail struct {
	to   string
	code string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendLicense(_ context.Context, to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, code: code})
	return nil
}

func (m *recordingMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

func syncDispatch(ctx context.Context, _ string, _ time.Duration, fn func(context.Context)) {
	fn(ctx)
}

func newTestLicenseService(store *testutil.MemStore, mailer notifications.Mailer) *LicenseService {
	s := NewLicenseService(store, store, mailer, true)
	s.dispatch = syncDispatch
	return s
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// fixedCodes returns a generator that yields codes in order, then fails
func fixedCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return "", errors.New("no more codes")
		}
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}
}

// ---------------------------------------------------------------------------
// Redeem
// ---------------------------------------------------------------------------

func TestRedeem_ByEmailCreatesPlaceholder(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)

	out, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: "B@x.com"})
	require.NoError(t, err)

	assert.False(t, out.Replayed)
	assert.Equal(t, "b@x.com", out.User.Email)
	assert.True(t, out.User.IsPlaceholder())
	assert.Equal(t, models.LicenseRedeemed, out.License.Status)
	assert.True(t, out.License.OwnedBy(out.User.ID))
	assert.True(t, store.HasRedemption(out.User.ID, out.License.ID))
	assert.Equal(t, []sentMail{{to: "b@x.com", code: "AAAA-BBBB-CCCC"}}, mailer.Sent())
}

func TestRedeem_ByUserID(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("legacy_key_1", models.LicenseAvailable)
	user := store.AddUser("owner@x.com", "$2a$04$hash")
	svc := newTestLicenseService(store, nil)

	out, err := svc.Redeem(context.Background(), "  legacy_key_1\n", UserRef{UserID: user.ID, Email: "ignored@x.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, out.User.ID)
	assert.Equal(t, "legacy_key_1", out.License.Code)
	assert.Equal(t, 1, store.UserCount(), "email must not create a user when an id is given")
}

func TestRedeem_ReservedLicense(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("POOL-0001", models.LicenseReserved)
	svc := newTestLicenseService(store, nil)

	out, err := svc.Redeem(context.Background(), "POOL-0001", UserRef{Email: "r@x.com"})
	require.NoError(t, err)
	assert.Equal(t, models.LicenseRedeemed, out.License.Status)
}

func TestRedeem_Errors(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		code string
		ref  UserRef
		want *apperrors.Error
		kind apperrors.Kind
	}{
		{"unknown code", "ZZZZ-ZZZZ-ZZZZ", UserRef{Email: "a@x.com"}, apperrors.ErrLicenseNotFound, apperrors.KindNotFound},
		{"unknown user id", "AAAA-BBBB-CCCC", UserRef{UserID: uuid.New().String()}, apperrors.ErrUserNotFound, apperrors.KindNotFound},
		{"malformed user id", "AAAA-BBBB-CCCC", UserRef{UserID: "42"}, apperrors.ErrUserNotFound, apperrors.KindNotFound},
		{"blank code", "   ", UserRef{Email: "a@x.com"}, nil, apperrors.KindValidation},
		{"no user reference", "AAAA-BBBB-CCCC", UserRef{}, nil, apperrors.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Redeem(ctx, tt.code, tt.ref)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	assert.Equal(t, models.LicenseAvailable, store.License("AAAA-BBBB-CCCC").Status)
}

func TestRedeem_SameUserReplay(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)
	ctx := context.Background()

	first, err := svc.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "b@x.com"})
	require.NoError(t, err)

	replayed := counterValue(t, telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemReplayed))
	second, err := svc.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{UserID: first.User.ID})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.License.ID, second.License.ID)
	assert.Equal(t, 1, store.RedemptionCount())
	assert.Len(t, mailer.Sent(), 1, "a replay sends no email")
	assert.Equal(t, replayed+1, counterValue(t, telemetry.LicenseRedemptionsTotal.WithLabelValues(telemetry.RedeemReplayed)))
}

func TestRedeem_OtherUserRejected(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	first, err := svc.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "b@x.com"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "c@x.com"})
	assert.ErrorIs(t, err, apperrors.ErrLicenseAlreadyRedeemed)

	lic := store.License("AAAA-BBBB-CCCC")
	assert.True(t, lic.OwnedBy(first.User.ID), "owner must not change")
}

func TestRedeem_ConcurrentDistinctUsers(t *testing.T) {
	const n = 50

	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: fmt.Sprintf("user%d@x.com", i)})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperrors.ErrLicenseAlreadyRedeemed):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, store.RedemptionCount())
	assert.Len(t, mailer.Sent(), 1)
}

func TestRedeem_StoreFailure(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	store.Fail("Redeem", errors.New("connection reset"))
	svc := newTestLicenseService(store, nil)

	_, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: "a@x.com"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
	assert.NotContains(t, apperrors.From(err).Message, "connection reset")
}

func TestRedeem_EmailFailureDoesNotFail(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, &recordingMailer{err: errors.New("relay down")})

	failed := counterValue(t, telemetry.LicenseNotificationsTotal.WithLabelValues(notificationFailed))
	_, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, failed+1, counterValue(t, telemetry.LicenseNotificationsTotal.WithLabelValues(notificationFailed)))
}

func TestRedeem_DisabledMailerCountsSkipped(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, notifications.NoopMailer{})

	skipped := counterValue(t, telemetry.LicenseNotificationsTotal.WithLabelValues(notificationSkipped))
	_, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, skipped+1, counterValue(t, telemetry.LicenseNotificationsTotal.WithLabelValues(notificationSkipped)))
}

func TestRedeem_AsyncDispatchByDefault(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)

	delivered := make(chan sentMail, 1)
	mailer := mailerFunc(func(_ context.Context, to, code string) error {
		delivered <- sentMail{to: to, code: code}
		return nil
	})
	svc := NewLicenseService(store, store, mailer, false)

	_, err := svc.Redeem(context.Background(), "AAAA-BBBB-CCCC", UserRef{Email: "a@x.com"})
	require.NoError(t, err)

	select {
	case got := <-delivered:
		assert.Equal(t, sentMail{to: "a@x.com", code: "AAAA-BBBB-CCCC"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("license email was not sent")
	}
}

type mailerFunc func(ctx context.Context, to, code string) error

func (f mailerFunc) SendLicense(ctx context.Context, to, code string) error { return f(ctx, to, code) }

// ---------------------------------------------------------------------------
// IssueForSession
// ---------------------------------------------------------------------------

func TestIssueForSession_MintsOwnedLicense(t *testing.T) {
	store := testutil.NewMemStore()
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)

	out, err := svc.IssueForSession(context.Background(), Purchase{
		SessionID: "cs_test_1",
		Email:     "Buyer@Example.com",
		PriceID:   "price_pro",
	})
	require.NoError(t, err)

	assert.False(t, out.Duplicate)
	assert.False(t, out.FromReservation)
	require.NotNil(t, out.Owner)
	assert.Equal(t, "buyer@example.com", out.Owner.Email)

	lic := store.License(out.License.Code)
	require.NotNil(t, lic)
	assert.True(t, crypto.IsGeneratedFormat(lic.Code))
	assert.Equal(t, models.LicenseRedeemed, lic.Status)
	assert.True(t, lic.OwnedBy(out.Owner.ID))
	assert.Equal(t, "cs_test_1", lic.Metadata[models.MetaPaymentSessionID])
	assert.Equal(t, "price_pro", lic.Metadata[models.MetaPriceID])
	assert.Equal(t, "buyer@example.com", lic.Metadata[models.MetaCustomerEmail])
	assert.Equal(t, "checkout", lic.Metadata[models.MetaSource])
	assert.True(t, store.HasRedemption(out.Owner.ID, lic.ID))

	assert.Equal(t, []sentMail{{to: "buyer@example.com", code: lic.Code}}, mailer.Sent())
}

func TestIssueForSession_ReplayIsDuplicate(t *testing.T) {
	store := testutil.NewMemStore()
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)
	ctx := context.Background()
	p := Purchase{SessionID: "cs_test_1", Email: "buyer@example.com"}

	first, err := svc.IssueForSession(ctx, p)
	require.NoError(t, err)
	second, err := svc.IssueForSession(ctx, p)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.License.Code, second.License.Code)
	assert.Equal(t, 1, store.LicenseCount())
	assert.Equal(t, 1, store.RedemptionCount())
	assert.Len(t, mailer.Sent(), 1)
}

func TestIssueForSession_ConcurrentDeliveries(t *testing.T) {
	store := testutil.NewMemStore()
	svc := newTestLicenseService(store, nil)

	var wg sync.WaitGroup
	codes := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.IssueForSession(context.Background(), Purchase{SessionID: "cs_race", Email: "buyer@example.com"})
			if assert.NoError(t, err) {
				codes <- out.License.Code
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]bool{}
	for c := range codes {
		seen[c] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, store.LicenseCount())
}

func TestIssueForSession_CompletesReservation(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("POOL-0001", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	reserved, err := svc.ReserveForSession(ctx, "cs_test_1", "price_pro")
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.Equal(t, models.LicenseReserved, store.License("POOL-0001").Status)

	out, err := svc.IssueForSession(ctx, Purchase{SessionID: "cs_test_1", Email: "buyer@example.com"})
	require.NoError(t, err)

	assert.True(t, out.FromReservation)
	assert.Equal(t, "POOL-0001", out.License.Code)
	assert.Equal(t, 1, store.LicenseCount(), "no new code is minted")
	lic := store.License("POOL-0001")
	assert.Equal(t, models.LicenseRedeemed, lic.Status)
	assert.True(t, lic.OwnedBy(out.Owner.ID))
}

func TestIssueForSession_NoEmailMintsUnowned(t *testing.T) {
	store := testutil.NewMemStore()
	mailer := &recordingMailer{}
	svc := newTestLicenseService(store, mailer)

	out, err := svc.IssueForSession(context.Background(), Purchase{SessionID: "cs_anon"})
	require.NoError(t, err)

	assert.Nil(t, out.Owner)
	lic := store.License(out.License.Code)
	assert.Equal(t, models.LicenseAvailable, lic.Status)
	assert.Nil(t, lic.UserID)
	assert.Equal(t, "cs_anon", lic.SessionID())
	assert.Empty(t, mailer.Sent())
	assert.Equal(t, 0, store.UserCount())
}

func TestIssueForSession_RetriesCodeCollision(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	svc.newCode = fixedCodes("AAAA-BBBB-CCCC", "1111-2222-3333")

	out, err := svc.IssueForSession(context.Background(), Purchase{SessionID: "cs_1", Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "1111-2222-3333", out.License.Code)
}

func TestIssueForSession_CollisionExhausted(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	svc.newCode = func() (string, error) { return "AAAA-BBBB-CCCC", nil }

	_, err := svc.IssueForSession(context.Background(), Purchase{SessionID: "cs_1", Email: "a@x.com"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
	assert.Equal(t, 1, store.LicenseCount())
}

func TestIssueForSession_Errors(t *testing.T) {
	store := testutil.NewMemStore()
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	_, err := svc.IssueForSession(ctx, Purchase{Email: "a@x.com"})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	store.Fail("IssueForSession", errors.New("deadlock detected"))
	_, err = svc.IssueForSession(ctx, Purchase{SessionID: "cs_1", Email: "a@x.com"})
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))

	store.Fail("EnsureUser", errors.New("timeout"))
	_, err = svc.IssueForSession(ctx, Purchase{SessionID: "cs_2", Email: "b@x.com"})
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

func TestReserveForSession(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		store := testutil.NewMemStore()
		store.AddLicense("POOL-0001", models.LicenseAvailable)
		svc := NewLicenseService(store, store, nil, false)

		lic, err := svc.ReserveForSession(ctx, "cs_1", "")
		require.NoError(t, err)
		assert.Nil(t, lic)
		assert.Equal(t, models.LicenseAvailable, store.License("POOL-0001").Status)
	})

	t.Run("empty pool", func(t *testing.T) {
		svc := newTestLicenseService(testutil.NewMemStore(), nil)
		lic, err := svc.ReserveForSession(ctx, "cs_1", "")
		require.NoError(t, err)
		assert.Nil(t, lic)
	})

	t.Run("one reservation per session", func(t *testing.T) {
		store := testutil.NewMemStore()
		store.AddLicense("POOL-0001", models.LicenseAvailable)
		store.AddLicense("POOL-0002", models.LicenseAvailable)
		svc := newTestLicenseService(store, nil)

		first, err := svc.ReserveForSession(ctx, "cs_1", "price_pro")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "POOL-0001", first.Code)

		again, err := svc.ReserveForSession(ctx, "cs_1", "price_pro")
		require.NoError(t, err)
		assert.Nil(t, again)
		assert.Equal(t, models.LicenseAvailable, store.License("POOL-0002").Status)
	})

	t.Run("store failure", func(t *testing.T) {
		store := testutil.NewMemStore()
		store.Fail("ReserveForSession", errors.New("boom"))
		svc := newTestLicenseService(store, nil)
		_, err := svc.ReserveForSession(ctx, "cs_1", "")
		assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
	})
}

func TestReleaseSession(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("POOL-0001", models.LicenseAvailable)
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	_, err := svc.ReserveForSession(ctx, "cs_expired", "")
	require.NoError(t, err)

	released, err := svc.ReleaseSession(ctx, "cs_expired")
	require.NoError(t, err)
	assert.True(t, released)

	lic := store.License("POOL-0001")
	assert.Equal(t, models.LicenseAvailable, lic.Status)
	assert.Empty(t, lic.SessionID())

	released, err = svc.ReleaseSession(ctx, "cs_expired")
	require.NoError(t, err)
	assert.False(t, released)
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	store.AddLicense("POOL-0001", models.LicenseReserved)
	holder := store.AddUser("holder@x.com", "$2a$04$hash")
	other := store.AddUser("other@x.com", "$2a$04$hash")
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	_, err := svc.Redeem(ctx, "AAAA-BBBB-CCCC", UserRef{UserID: holder.ID})
	require.NoError(t, err)

	tests := []struct {
		name   string
		code   string
		ref    UserRef
		expect models.LicenseStatus
		want   Validation
	}{
		{"unknown code", "ZZZZ-ZZZZ-ZZZZ", UserRef{}, "", Validation{}},
		{"exists", " POOL-0001 ", UserRef{}, "", Validation{Valid: true, Status: models.LicenseReserved}},
		{"legacy expectation", "POOL-0001", UserRef{}, "sold", Validation{Valid: true, Status: models.LicenseReserved}},
		{"expectation differs", "POOL-0001", UserRef{}, models.LicenseAvailable, Validation{Status: models.LicenseReserved}},
		{"owned by id", "AAAA-BBBB-CCCC", UserRef{UserID: holder.ID}, "", Validation{Valid: true, Status: models.LicenseRedeemed, Owned: true}},
		{"owned by email", "AAAA-BBBB-CCCC", UserRef{Email: "HOLDER@x.com"}, models.LicenseRedeemed, Validation{Valid: true, Status: models.LicenseRedeemed, Owned: true}},
		{"held by someone else", "AAAA-BBBB-CCCC", UserRef{UserID: other.ID}, "", Validation{Valid: true, Status: models.LicenseRedeemed}},
		{"unknown email", "AAAA-BBBB-CCCC", UserRef{Email: "nobody@x.com"}, "", Validation{Valid: true, Status: models.LicenseRedeemed}},
		{"malformed user id", "AAAA-BBBB-CCCC", UserRef{UserID: "42"}, "", Validation{Valid: true, Status: models.LicenseRedeemed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Validate(ctx, tt.code, tt.ref, tt.expect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	assert.Equal(t, 2, store.UserCount(), "validation must not create accounts")
	assert.Equal(t, models.LicenseReserved, store.License("POOL-0001").Status)
}

func TestValidate_Errors(t *testing.T) {
	store := testutil.NewMemStore()
	svc := newTestLicenseService(store, nil)
	ctx := context.Background()

	_, err := svc.Validate(ctx, "  ", UserRef{}, "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	store.Fail("GetByCode", errors.New("connection reset"))
	_, err = svc.Validate(ctx, "AAAA-BBBB-CCCC", UserRef{}, "")
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))

	store.Fail("GetByCode", nil)
	store.AddLicense("AAAA-BBBB-CCCC", models.LicenseAvailable)
	store.Fail("GetUserByEmail", errors.New("connection reset"))
	_, err = svc.Validate(ctx, "AAAA-BBBB-CCCC", UserRef{Email: "a@x.com"}, "")
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
}
