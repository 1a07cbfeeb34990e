package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ainp-network/broker/internal/types"
)

// ReceiptRepo persists task receipts and their committee attestations (§4.14).
type ReceiptRepo struct {
	db *gorm.DB
}

// NewReceiptRepo constructs a ReceiptRepo.
func NewReceiptRepo(s *Store) *ReceiptRepo { return &ReceiptRepo{db: s.DB} }

// ErrReceiptNotFound is returned when a receipt id is unknown.
var ErrReceiptNotFound = errors.New("store: task receipt not found")

// Create inserts a new pending task receipt with its committee recorded.
func (r *ReceiptRepo) Create(ctx context.Context, receipt types.TaskReceipt, committee []string) error {
	b, err := json.Marshal(committee)
	if err != nil {
		return err
	}
	receipt.CommitteeRaw = string(b)
	if receipt.AttestationsRaw == "" {
		receipt.AttestationsRaw = "[]"
	}
	return r.db.WithContext(ctx).Create(&receipt).Error
}

// WithLock loads a receipt for update and runs fn inside the same
// transaction, persisting fn's mutations on success.
func (r *ReceiptRepo) WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, receipt *types.TaskReceipt) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var receipt types.TaskReceipt
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&receipt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReceiptNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(tx, &receipt); err != nil {
			return err
		}
		return tx.Save(&receipt).Error
	})
}

// Get returns a receipt by id.
func (r *ReceiptRepo) Get(ctx context.Context, id string) (types.TaskReceipt, error) {
	var receipt types.TaskReceipt
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TaskReceipt{}, ErrReceiptNotFound
	}
	return receipt, err
}

// ListPending returns every receipt awaiting finalization, for the periodic
// finalization job.
func (r *ReceiptRepo) ListPending(ctx context.Context) ([]types.TaskReceipt, error) {
	var out []types.TaskReceipt
	err := r.db.WithContext(ctx).Where("status = ?", types.ReceiptPending).Find(&out).Error
	return out, err
}

// DecodeCommittee unmarshals a receipt's committee JSON column.
func DecodeCommittee(receipt types.TaskReceipt) ([]string, error) {
	var out []string
	if receipt.CommitteeRaw == "" {
		return nil, nil
	}
	err := json.Unmarshal([]byte(receipt.CommitteeRaw), &out)
	return out, err
}

// DecodeAttestations unmarshals a receipt's attestations JSON column.
func DecodeAttestations(receipt types.TaskReceipt) ([]types.Attestation, error) {
	var out []types.Attestation
	if receipt.AttestationsRaw == "" {
		return nil, nil
	}
	err := json.Unmarshal([]byte(receipt.AttestationsRaw), &out)
	return out, err
}

// EncodeAttestations marshals attestations back into the JSON column.
func EncodeAttestations(attestations []types.Attestation) (string, error) {
	b, err := json.Marshal(attestations)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReputationRepo persists per-agent reputation dimensions.
type ReputationRepo struct {
	db *gorm.DB
}

// NewReputationRepo constructs a ReputationRepo.
func NewReputationRepo(s *Store) *ReputationRepo { return &ReputationRepo{db: s.DB} }

// Get returns an agent's reputation, or a zero-valued record if none exists.
func (r *ReputationRepo) Get(ctx context.Context, agentDID string) (types.Reputation, error) {
	var rep types.Reputation
	err := r.db.WithContext(ctx).Where("agent_did = ?", agentDID).First(&rep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Reputation{AgentDID: agentDID}, nil
	}
	return rep, err
}

// Upsert writes the reputation record.
func (r *ReputationRepo) Upsert(ctx context.Context, rep types.Reputation) error {
	rep.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_did"}},
		UpdateAll: true,
	}).Create(&rep).Error
}
