package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/types"
)

// UsefulnessRepo persists usefulness proofs and the discovery-facing cache
// (§4.13).
type UsefulnessRepo struct {
	db *gorm.DB
}

// NewUsefulnessRepo constructs a UsefulnessRepo.
func NewUsefulnessRepo(s *Store) *UsefulnessRepo { return &UsefulnessRepo{db: s.DB} }

// SubmitProof persists a proof of work.
func (r *UsefulnessRepo) SubmitProof(ctx context.Context, p types.UsefulnessProof) error {
	return r.db.WithContext(ctx).Create(&p).Error
}

// ScoreSince returns every proof for agentDID created at or after since,
// for the rolling mean computation.
func (r *UsefulnessRepo) ScoreSince(ctx context.Context, agentDID string, since time.Time) ([]types.UsefulnessProof, error) {
	var out []types.UsefulnessProof
	err := r.db.WithContext(ctx).Where("agent_did = ? AND created_at >= ?", agentDID, since).Find(&out).Error
	return out, err
}

// DistinctAgentsWithProofs returns every agent DID with at least one proof,
// for the refresh_cache cron.
func (r *UsefulnessRepo) DistinctAgentsWithProofs(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&types.UsefulnessProof{}).Distinct().Pluck("agent_did", &out).Error
	return out, err
}

// UpsertCache writes the cached score with a raw INSERT ... ON CONFLICT
// (agent_did) DO UPDATE statement.
func (r *UsefulnessRepo) UpsertCache(ctx context.Context, agentDID string, score float64, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO usefulness_cache (agent_did, score, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (agent_did) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		agentDID, score, at,
	).Error
}

// CachedScore returns the cached score discovery reads, or 0 if absent.
func (r *UsefulnessRepo) CachedScore(ctx context.Context, agentDID string) (float64, error) {
	var c types.UsefulnessCache
	err := r.db.WithContext(ctx).Where("agent_did = ?", agentDID).First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	return c.Score, err
}

// TopUsefulAgents returns up to limit agent DIDs ranked by cached usefulness
// score descending, excluding the given DIDs, for deterministic committee
// selection (§4.14).
func (r *UsefulnessRepo) TopUsefulAgents(ctx context.Context, exclude []string, limit int) ([]string, error) {
	var out []string
	q := r.db.WithContext(ctx).Model(&types.UsefulnessCache{}).
		Order("score DESC, agent_did ASC").
		Limit(limit)
	if len(exclude) > 0 {
		q = q.Where("agent_did NOT IN ?", exclude)
	}
	err := q.Pluck("agent_did", &out).Error
	return out, err
}
