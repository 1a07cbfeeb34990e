// Package usefulness implements the usefulness aggregator (§4.13): agents
// submit signed proofs of work, and a rolling 30-day mean feeds a cache
// discovery reads instead of live proofs.
package usefulness

import (
	"context"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/types"
)

const rollingWindow = 30 * 24 * time.Hour

// Repo is the persistence collaborator this package needs.
type Repo interface {
	SubmitProof(ctx context.Context, p types.UsefulnessProof) error
	ScoreSince(ctx context.Context, agentDID string, since time.Time) ([]types.UsefulnessProof, error)
	DistinctAgentsWithProofs(ctx context.Context) ([]string, error)
	UpsertCache(ctx context.Context, agentDID string, score float64, at time.Time) error
}

// Aggregator is the usefulness aggregator component.
type Aggregator struct {
	repo Repo
	now  func() time.Time
}

// New constructs an Aggregator over repo.
func New(repo Repo) *Aggregator {
	return &Aggregator{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// SubmitProof validates and persists a proof of work.
func (a *Aggregator) SubmitProof(ctx context.Context, p types.UsefulnessProof) *apperr.Error {
	if p.WorkType == "" {
		return apperr.New(apperr.CodeValidation, 400, "work_type is required")
	}
	switch p.WorkType {
	case types.WorkCompute, types.WorkMemory, types.WorkRouting, types.WorkLearning, types.WorkValidation:
	default:
		return apperr.New(apperr.CodeValidation, 400, "unrecognized work_type %q", p.WorkType)
	}
	if p.UsefulnessScore < 0 || p.UsefulnessScore > 100 {
		return apperr.New(apperr.CodeValidation, 400, "usefulness_score must be in [0,100]")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = a.now()
	}
	if err := a.repo.SubmitProof(ctx, p); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Score returns the rolling 30-day mean usefulness score, plus per-work-type
// means, for agentDID. Returns 0 when the agent has no proofs in the window.
func (a *Aggregator) Score(ctx context.Context, agentDID string) (overall float64, byWorkType map[types.WorkType]float64, apErr *apperr.Error) {
	proofs, err := a.repo.ScoreSince(ctx, agentDID, a.now().Add(-rollingWindow))
	if err != nil {
		return 0, nil, apperr.Internal(err)
	}
	if len(proofs) == 0 {
		return 0, map[types.WorkType]float64{}, nil
	}
	sums := map[types.WorkType]float64{}
	counts := map[types.WorkType]int{}
	var total float64
	for _, p := range proofs {
		total += p.UsefulnessScore
		sums[p.WorkType] += p.UsefulnessScore
		counts[p.WorkType]++
	}
	byWorkType = make(map[types.WorkType]float64, len(sums))
	for wt, sum := range sums {
		byWorkType[wt] = sum / float64(counts[wt])
	}
	return total / float64(len(proofs)), byWorkType, nil
}

// RefreshCache recomputes the cached score for every agent with at least one
// proof. Intended to run under a budget of a few seconds for typical sizes;
// callers should bound how often this runs via an external scheduler.
func (a *Aggregator) RefreshCache(ctx context.Context) (refreshed int, apErr *apperr.Error) {
	agents, err := a.repo.DistinctAgentsWithProofs(ctx)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	now := a.now()
	for _, did := range agents {
		score, _, serr := a.Score(ctx, did)
		if serr != nil {
			return refreshed, serr
		}
		if err := a.repo.UpsertCache(ctx, did, score, now); err != nil {
			return refreshed, apperr.Internal(err)
		}
		refreshed++
	}
	return refreshed, nil
}
