// Package reputation implements task receipts and committee-attested
// reputation updates (§4.14): a deterministic committee drawn from the
// top-usefulness-ranked agents judges the settled work, and finalization
// updates the responder's reputation dimensions by EMA.
package reputation

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

const emaAlpha = 0.2

// Repo is the persistence collaborator this package needs for receipts.
type Repo interface {
	Create(ctx context.Context, receipt types.TaskReceipt, committee []string) error
	WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, receipt *types.TaskReceipt) error) error
	Get(ctx context.Context, id string) (types.TaskReceipt, error)
	ListPending(ctx context.Context) ([]types.TaskReceipt, error)
}

// ReputationRepo is the persistence collaborator for reputation records.
type ReputationRepo interface {
	Get(ctx context.Context, agentDID string) (types.Reputation, error)
	Upsert(ctx context.Context, rep types.Reputation) error
}

// CommitteeSource ranks agents by cached usefulness, for deterministic
// committee selection.
type CommitteeSource interface {
	TopUsefulAgents(ctx context.Context, exclude []string, limit int) ([]string, error)
}

// Engine is the reputation & task receipt component.
type Engine struct {
	repo       Repo
	reputation ReputationRepo
	committee  CommitteeSource
	newID      func() string
}

// New constructs an Engine.
func New(repo Repo, reputation ReputationRepo, committee CommitteeSource, newID func() string) *Engine {
	return &Engine{repo: repo, reputation: reputation, committee: committee, newID: newID}
}

// CreateReceipt opens a pending receipt for a settled negotiation, drawing a
// deterministic committee of size m from the top usefulness-ranked agents,
// excluding the two parties. k and m default to 3 and 5 when zero.
func (e *Engine) CreateReceipt(ctx context.Context, negotiationID, agentDID, clientDID string, k, m int) (types.TaskReceipt, *apperr.Error) {
	if k <= 0 {
		k = 3
	}
	if m <= 0 {
		m = 5
	}
	committee, err := e.committee.TopUsefulAgents(ctx, []string{agentDID, clientDID}, m)
	if err != nil {
		return types.TaskReceipt{}, apperr.Internal(err)
	}
	receipt := types.TaskReceipt{
		ID: e.newID(), NegotiationID: negotiationID, AgentDID: agentDID, ClientDID: clientDID,
		K: k, M: m, Status: types.ReceiptPending,
	}
	if err := e.repo.Create(ctx, receipt, committee); err != nil {
		return types.TaskReceipt{}, apperr.Internal(err)
	}
	return receipt, nil
}

func mapErr(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if ae := apperr.As(err); ae != nil {
		return ae
	}
	if errors.Is(err, store.ErrReceiptNotFound) {
		return apperr.ErrNotFound
	}
	return apperr.Internal(err)
}

// isAcceptClass groups ACCEPTED and AUDIT_PASS as the positive outcome
// category; REJECTED and AUDIT_FAIL are the negative category.
func isAcceptClass(t types.AttestationType) bool {
	return t == types.AttestAccepted || t == types.AttestAuditPass
}

// AddAttestation appends a committee or client attestation, finalizing the
// receipt once the quorum rule is met: at least k committee attestations of
// the same outcome category, distinct by by_did, plus a client attestation
// of that same category.
func (e *Engine) AddAttestation(ctx context.Context, receiptID string, att types.Attestation) (types.TaskReceipt, *apperr.Error) {
	finalizedNow := false
	err := e.repo.WithLock(ctx, receiptID, func(tx *gorm.DB, receipt *types.TaskReceipt) error {
		if receipt.Status == types.ReceiptFinalized {
			return nil
		}
		attestations, derr := store.DecodeAttestations(*receipt)
		if derr != nil {
			return apperr.Internal(derr)
		}
		attestations = append(attestations, att)
		encoded, eerr := store.EncodeAttestations(attestations)
		if eerr != nil {
			return apperr.Internal(eerr)
		}
		receipt.AttestationsRaw = encoded

		committee, cerr := store.DecodeCommittee(*receipt)
		if cerr != nil {
			return apperr.Internal(cerr)
		}
		if _, _, ready := quorumReached(attestations, committee, receipt.ClientDID, receipt.K); ready {
			receipt.Status = types.ReceiptFinalized
			finalizedNow = true
		}
		return nil
	})
	if err != nil {
		return types.TaskReceipt{}, mapErr(err)
	}

	receipt, gerr := e.repo.Get(ctx, receiptID)
	if gerr != nil {
		return types.TaskReceipt{}, mapErr(gerr)
	}
	if finalizedNow {
		if uerr := e.applyReputationUpdate(ctx, receipt); uerr != nil {
			return receipt, uerr
		}
	}
	return receipt, nil
}

// quorumReached evaluates the finalization rule against the full
// attestation set, returning the winning category and the mean attestation
// score for that category once k distinct committee members plus the
// client agree.
func quorumReached(attestations []types.Attestation, committee []string, clientDID string, k int) (accept bool, meanScore float64, ready bool) {
	inCommittee := make(map[string]bool, len(committee))
	for _, did := range committee {
		inCommittee[did] = true
	}

	for _, wantAccept := range []bool{true, false} {
		seen := map[string]bool{}
		var clientAgrees bool
		var sum float64
		var n int
		for _, a := range attestations {
			if isAcceptClass(a.Type) != wantAccept {
				continue
			}
			if a.ByDID == clientDID {
				clientAgrees = true
				sum += a.Score
				n++
				continue
			}
			if inCommittee[a.ByDID] && !seen[a.ByDID] {
				seen[a.ByDID] = true
				sum += a.Score
				n++
			}
		}
		if len(seen) >= k && clientAgrees {
			if n == 0 {
				return wantAccept, 0, true
			}
			return wantAccept, sum / float64(n), true
		}
	}
	return false, 0, false
}

// applyReputationUpdate updates the responder's reputation dimensions as an
// EMA (alpha=0.2) from the mean score of the attestations that met quorum.
func (e *Engine) applyReputationUpdate(ctx context.Context, receipt types.TaskReceipt) *apperr.Error {
	attestations, err := store.DecodeAttestations(receipt)
	if err != nil {
		return apperr.Internal(err)
	}
	committee, err := store.DecodeCommittee(receipt)
	if err != nil {
		return apperr.Internal(err)
	}
	_, meanScore, ready := quorumReached(attestations, committee, receipt.ClientDID, receipt.K)
	if !ready {
		return nil
	}

	rep, gerr := e.reputation.Get(ctx, receipt.AgentDID)
	if gerr != nil {
		return apperr.Internal(gerr)
	}
	rep.AgentDID = receipt.AgentDID
	rep.Q = ema(rep.Q, meanScore)
	rep.T = ema(rep.T, meanScore)
	rep.R = ema(rep.R, meanScore)
	rep.S = ema(rep.S, meanScore)
	rep.V = ema(rep.V, meanScore)
	rep.I = ema(rep.I, meanScore)
	rep.E = ema(rep.E, meanScore)
	if err := e.reputation.Upsert(ctx, rep); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func ema(prior, sample float64) float64 {
	return (1-emaAlpha)*prior + emaAlpha*sample
}

// Get returns a receipt by id.
func (e *Engine) Get(ctx context.Context, id string) (types.TaskReceipt, *apperr.Error) {
	receipt, err := e.repo.Get(ctx, id)
	if err != nil {
		return types.TaskReceipt{}, mapErr(err)
	}
	return receipt, nil
}

// FinalizePending scans every pending receipt and finalizes those that meet
// the quorum rule, for the periodic finalization job.
func (e *Engine) FinalizePending(ctx context.Context) (finalized int, apErr *apperr.Error) {
	pending, err := e.repo.ListPending(ctx)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	for _, receipt := range pending {
		attestations, derr := store.DecodeAttestations(receipt)
		if derr != nil {
			return finalized, apperr.Internal(derr)
		}
		committee, cerr := store.DecodeCommittee(receipt)
		if cerr != nil {
			return finalized, apperr.Internal(cerr)
		}
		if _, _, ready := quorumReached(attestations, committee, receipt.ClientDID, receipt.K); !ready {
			continue
		}
		werr := e.repo.WithLock(ctx, receipt.ID, func(tx *gorm.DB, r *types.TaskReceipt) error {
			r.Status = types.ReceiptFinalized
			return nil
		})
		if werr != nil {
			return finalized, mapErr(werr)
		}
		updated, gerr := e.repo.Get(ctx, receipt.ID)
		if gerr != nil {
			return finalized, mapErr(gerr)
		}
		if uerr := e.applyReputationUpdate(ctx, updated); uerr != nil {
			return finalized, uerr
		}
		finalized++
	}
	return finalized, nil
}
