package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

// CandidateRow is one capability joined with its agent's trust and cached
// usefulness, as returned by the vector store's nearest-neighbor search.
type CandidateRow struct {
	AgentDID        string
	Description     string
	Tags            string
	Similarity      float64
	TrustScore      float64
	TrustUpdatedAt  time.Time
	Usefulness      float64
}

// DiscoveryRepo runs the cosine-similarity nearest-neighbor query over
// capability embeddings using the pgvector extension, left-joined with
// trust and cached usefulness per §4.5 step 2.
type DiscoveryRepo struct {
	db *gorm.DB
}

// NewDiscoveryRepo constructs a DiscoveryRepo.
func NewDiscoveryRepo(s *Store) *DiscoveryRepo { return &DiscoveryRepo{db: s.DB} }

const discoveryQuery = `
SELECT
	c.agent_did            AS agent_did,
	c.description           AS description,
	c.tags                  AS tags,
	1 - (c.embedding <=> ?) AS similarity,
	COALESCE(t.reliability * 0.35 + t.honesty * 0.35 + t.competence * 0.20 + t.timeliness * 0.10, 0) AS trust_score,
	COALESCE(t.updated_at, to_timestamp(0)) AS trust_updated_at,
	COALESCE(u.score, 0)    AS usefulness
FROM capabilities c
LEFT JOIN trust_scores t ON t.agent_did = c.agent_did
LEFT JOIN usefulness_cache u ON u.agent_did = c.agent_did
WHERE 1 - (c.embedding <=> ?) >= ?
ORDER BY c.embedding <=> ?
LIMIT ?`

// SearchByEmbedding returns the top N capabilities whose cosine similarity to
// query meets minSimilarity, left-joined with trust and usefulness.
func (r *DiscoveryRepo) SearchByEmbedding(ctx context.Context, query []float32, minSimilarity float64, limit int) ([]CandidateRow, error) {
	literal := vectorLiteral(query)
	var rows []CandidateRow
	err := r.db.WithContext(ctx).Raw(discoveryQuery, literal, literal, minSimilarity, literal, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TagsList splits the stored comma-joined tag column back into a slice.
func (c CandidateRow) TagsList() []string {
	if c.Tags == "" {
		return nil
	}
	return strings.Split(c.Tags, ",")
}
