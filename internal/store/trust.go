package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ainp-network/broker/internal/types"
)

// TrustRepo persists per-agent trust vectors.
type TrustRepo struct {
	db *gorm.DB
}

// NewTrustRepo constructs a TrustRepo.
func NewTrustRepo(s *Store) *TrustRepo { return &TrustRepo{db: s.DB} }

// Get returns the decayed trust score and raw record for an agent, or the
// zero record if none exists yet (decayed score 0).
func (r *TrustRepo) Get(ctx context.Context, did string) (types.TrustRecord, float64, error) {
	var rec types.TrustRecord
	err := r.db.WithContext(ctx).Where("agent_did = ?", did).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TrustRecord{AgentDID: did, DecayRate: 0.977}, 0, nil
	}
	if err != nil {
		return types.TrustRecord{}, 0, err
	}
	return rec, rec.DecayedScore(time.Now().UTC()), nil
}

// Upsert writes a trust record, e.g. from an out-of-scope rotation/update flow.
func (r *TrustRepo) Upsert(ctx context.Context, rec types.TrustRecord) error {
	if rec.DecayRate <= 0 {
		rec.DecayRate = 0.977
	}
	rec.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_did"}},
		DoUpdates: clause.AssignmentColumns([]string{"reliability", "honesty", "competence", "timeliness", "decay_rate", "updated_at"}),
	}).Create(&rec).Error
}
