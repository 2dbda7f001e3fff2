package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-server/license-server/internal/apperrors"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/payments"
	"github.com/license-server/license-server/internal/testutil"
)

type fakeCheckoutProvider struct {
	got  payments.CheckoutParams
	sess *payments.CheckoutSession
	err  error
}

func (p *fakeCheckoutProvider) CreateCheckoutSession(_ context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	p.got = params
	return p.sess, p.err
}

func TestCreateSession_ReservesPoolLicense(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddLicense("POOL-0001", models.LicenseAvailable)
	provider := &fakeCheckoutProvider{sess: &payments.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}}
	svc := NewCheckoutService(provider, newTestLicenseService(store, nil))

	sess, err := svc.CreateSession(context.Background(), payments.CheckoutParams{PriceID: "price_pro", CustomerEmail: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "a@x.com", provider.got.CustomerEmail)

	lic := store.License("POOL-0001")
	assert.Equal(t, models.LicenseReserved, lic.Status)
	assert.Equal(t, "cs_test_1", lic.SessionID())
	assert.Equal(t, "price_pro", lic.Metadata[models.MetaPriceID])
}

func TestCreateSession_ReservationFailureIgnored(t *testing.T) {
	store := testutil.NewMemStore()
	store.Fail("ReserveForSession", errors.New("db down"))
	provider := &fakeCheckoutProvider{sess: &payments.CheckoutSession{ID: "cs_test_1", URL: "https://x"}}
	svc := NewCheckoutService(provider, newTestLicenseService(store, nil))

	sess, err := svc.CreateSession(context.Background(), payments.CheckoutParams{})
	require.NoError(t, err)
	assert.Equal(t, "https://x", sess.URL)
}

func TestCreateSession_ProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperrors.Kind
	}{
		{"missing price", payments.ErrMissingPrice, apperrors.KindValidation},
		{"api failure", errors.New("stripe: 503"), apperrors.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewCheckoutService(&fakeCheckoutProvider{err: tt.err}, nil)
			_, err := svc.CreateSession(context.Background(), payments.CheckoutParams{})
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}
}
