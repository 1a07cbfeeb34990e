package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/types"
)

// PaymentRepo persists payment requests and their provider webhook receipts.
type PaymentRepo struct {
	db *gorm.DB
}

// NewPaymentRepo constructs a PaymentRepo.
func NewPaymentRepo(s *Store) *PaymentRepo { return &PaymentRepo{db: s.DB} }

// ErrPaymentRequestNotFound is returned when a request id is unknown.
var ErrPaymentRequestNotFound = errors.New("store: payment request not found")

// CreateRequest inserts a new pending payment request.
func (r *PaymentRepo) CreateRequest(ctx context.Context, req types.PaymentRequest) error {
	return r.db.WithContext(ctx).Create(&req).Error
}

// GetRequest returns a payment request by id.
func (r *PaymentRepo) GetRequest(ctx context.Context, id string) (types.PaymentRequest, error) {
	var req types.PaymentRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PaymentRequest{}, ErrPaymentRequestNotFound
	}
	return req, err
}

// RecordWebhook inserts the receipt and, on success, transitions the
// matching request to paid, idempotent on (request_id, provider_ref).
func (r *PaymentRepo) RecordWebhook(ctx context.Context, receipt types.PaymentReceipt) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.PaymentReceipt
		err := tx.Where("request_id = ? AND provider_ref = ?", receipt.RequestID, receipt.ProviderRef).First(&existing).Error
		if err == nil {
			return nil // already processed
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		receipt.ReceivedAt = time.Now().UTC()
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}
		if !receipt.Success {
			return nil
		}
		res := tx.Model(&types.PaymentRequest{}).Where("id = ? AND state = ?", receipt.RequestID, types.PaymentPending).
			Update("state", types.PaymentPaid)
		return res.Error
	})
}

// ExpireStale transitions every pending request past its expires_at to expired.
func (r *PaymentRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&types.PaymentRequest{}).
		Where("state = ? AND expires_at < ?", types.PaymentPending, now).
		Update("state", types.PaymentExpired)
	return res.RowsAffected, res.Error
}
