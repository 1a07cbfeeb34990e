// Package payments implements the pluggable payment-provider abstraction
// from §6: creating a challengeable payment request and recording provider
// webhook callbacks against it. Actually settling funds with a provider is
// out of scope; this package only tracks the request/receipt lifecycle the
// broker itself is responsible for.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

const defaultExpiry = 15 * time.Minute

// Repo is the persistence collaborator this package needs.
type Repo interface {
	CreateRequest(ctx context.Context, req types.PaymentRequest) error
	GetRequest(ctx context.Context, id string) (types.PaymentRequest, error)
	RecordWebhook(ctx context.Context, receipt types.PaymentReceipt) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// Service is the payment request/receipt component.
type Service struct {
	repo  Repo
	newID func() string
	now   func() time.Time
}

// New constructs a Service.
func New(repo Repo, newID func() string) *Service {
	return &Service{repo: repo, newID: newID, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput is a request to open a payment challenge.
type CreateInput struct {
	OwnerDID     string
	AmountAtomic int64
	Currency     string
	Method       string
	PaymentURL   string
}

// CreateRequest opens a pending payment request for the 402 challenge
// surface (§6 `POST /api/payments/requests`).
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (types.PaymentRequest, *apperr.Error) {
	if in.AmountAtomic <= 0 {
		return types.PaymentRequest{}, apperr.ErrInvalidAmount
	}
	req := types.PaymentRequest{
		ID: s.newID(), OwnerDID: in.OwnerDID, AmountAtomic: in.AmountAtomic, Currency: in.Currency,
		Method: in.Method, State: types.PaymentPending, ExpiresAt: s.now().Add(defaultExpiry),
		PaymentURL: in.PaymentURL, CreatedAt: s.now(),
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return types.PaymentRequest{}, apperr.Internal(err)
	}
	return req, nil
}

// Get returns a payment request by id.
func (s *Service) Get(ctx context.Context, id string) (types.PaymentRequest, *apperr.Error) {
	req, err := s.repo.GetRequest(ctx, id)
	if errors.Is(err, store.ErrPaymentRequestNotFound) {
		return types.PaymentRequest{}, apperr.ErrNotFound
	}
	if err != nil {
		return types.PaymentRequest{}, apperr.Internal(err)
	}
	return req, nil
}

// Webhook records a provider callback (§6 `POST /api/payments/webhooks/{provider}`),
// idempotent on (request id, provider reference).
func (s *Service) Webhook(ctx context.Context, requestID, provider, providerRef string, success bool) *apperr.Error {
	err := s.repo.RecordWebhook(ctx, types.PaymentReceipt{
		RequestID: requestID, Provider: provider, ProviderRef: providerRef, Success: success,
	})
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ExpireStale transitions every pending request past its expiry, for the
// periodic sweep job.
func (s *Service) ExpireStale(ctx context.Context) (int, *apperr.Error) {
	n, err := s.repo.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return int(n), nil
}
