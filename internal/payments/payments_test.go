package payments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/payments"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
	"github.com/ainp-network/broker/internal/types"
)

func newService(t *testing.T) *payments.Service {
	t.Helper()
	db := storetest.OpenDB(t)
	repo := store.NewPaymentRepo(db)
	n := 0
	newID := func() string { n++; return "pay-" + string(rune('0'+n)) }
	return payments.New(repo, newID)
}

func TestCreateRequestRejectsNonPositiveAmount(t *testing.T) {
	s := newService(t)
	_, err := s.CreateRequest(context.Background(), payments.CreateInput{OwnerDID: "did:key:a", AmountAtomic: 0})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInvalidAmount, err.Code)
}

func TestCreateRequestIsPendingUntilWebhook(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	req, err := s.CreateRequest(ctx, payments.CreateInput{OwnerDID: "did:key:a", AmountAtomic: 500, Currency: "credits", Method: "stripe", PaymentURL: "https://pay.example/x"})
	require.Nil(t, err)
	require.Equal(t, types.PaymentPending, req.State)

	werr := s.Webhook(ctx, req.ID, "stripe", "evt-1", true)
	require.Nil(t, werr)

	got, gerr := s.Get(ctx, req.ID)
	require.Nil(t, gerr)
	require.Equal(t, types.PaymentPaid, got.State)
}

func TestWebhookIdempotentOnDuplicateProviderRef(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	req, err := s.CreateRequest(ctx, payments.CreateInput{OwnerDID: "did:key:a", AmountAtomic: 500})
	require.Nil(t, err)

	require.Nil(t, s.Webhook(ctx, req.ID, "stripe", "evt-1", true))
	require.Nil(t, s.Webhook(ctx, req.ID, "stripe", "evt-1", true))

	got, gerr := s.Get(ctx, req.ID)
	require.Nil(t, gerr)
	require.Equal(t, types.PaymentPaid, got.State)
}

func TestWebhookFailureDoesNotMarkPaid(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	req, err := s.CreateRequest(ctx, payments.CreateInput{OwnerDID: "did:key:a", AmountAtomic: 500})
	require.Nil(t, err)

	require.Nil(t, s.Webhook(ctx, req.ID, "stripe", "evt-1", false))

	got, gerr := s.Get(ctx, req.ID)
	require.Nil(t, gerr)
	require.Equal(t, types.PaymentPending, got.State)
}

func TestGetUnknownRequestReturnsNotFound(t *testing.T) {
	s := newService(t)
	_, err := s.Get(context.Background(), "missing")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeNotFound, err.Code)
}
