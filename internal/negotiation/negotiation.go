// Package negotiation implements the multi-round negotiation state machine
// (§4.10): initiate/propose/accept/reject/settle/expire_stale, convergence
// scoring, and credit escrow via the ledger.
package negotiation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/incentive"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

const epsilon = 1e-9

// Repo is the persistence collaborator this package needs.
type Repo interface {
	Create(ctx context.Context, n types.Negotiation) error
	WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, n *types.Negotiation) error) error
	Get(ctx context.Context, id string) (types.Negotiation, error)
	List(ctx context.Context, opts store.ListOptions) ([]types.Negotiation, error)
	ListExpirable(ctx context.Context, now time.Time) ([]types.Negotiation, error)
}

// Ledger is the subset of the credit ledger this package needs.
type Ledger interface {
	Reserve(ctx context.Context, did string, amount int64, intentID string) *apperr.Error
	Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) *apperr.Error
}

// Distributor is the subset of the incentive distributor this package needs.
type Distributor interface {
	Distribute(ctx context.Context, in incentive.Input) (incentive.Result, *apperr.Error)
}

// creditsPerUnitPrice converts a proposal's price (denominated in whatever
// unit discovery and negotiation agree on) into atomic credits, per §4.10
// scenario 2: price=100 reserves 100,000 credits.
const creditsPerUnitPrice = 1000

// Engine is the negotiation state machine.
type Engine struct {
	repo    Repo
	ledger  Ledger
	incent  Distributor
	now     func() time.Time
	newID   func() string
	metrics *metrics.Registry
}

// New constructs an Engine. metricsReg may be nil (tests).
func New(repo Repo, ledger Ledger, incent Distributor, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		repo: repo, ledger: ledger, incent: incent,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
		metrics: metricsReg,
	}
}

func (e *Engine) countEvent(event string) {
	if e.metrics != nil {
		e.metrics.NegotiationEvents.WithLabelValues(event).Inc()
	}
}

func mapStoreErr(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if ae := apperr.As(err); ae != nil {
		return ae
	}
	if errors.Is(err, store.ErrNegotiationNotFound) {
		return apperr.ErrNotFound
	}
	return apperr.Internal(err)
}

// Initiate creates a new session at round 1, authored by initiatorDID.
func (e *Engine) Initiate(ctx context.Context, intentID, initiatorDID, responderDID string, initial types.Proposal, maxRounds, ttlMinutes int) (types.Negotiation, *apperr.Error) {
	if initiatorDID == responderDID {
		return types.Negotiation{}, apperr.New(apperr.CodeValidation, 400, "initiator and responder must differ")
	}
	if maxRounds == 0 {
		maxRounds = 20
	}
	if maxRounds < 1 || maxRounds > 20 {
		return types.Negotiation{}, apperr.New(apperr.CodeValidation, 400, "max_rounds must be in [1,20]")
	}
	if ttlMinutes < 0 {
		return types.Negotiation{}, apperr.New(apperr.CodeValidation, 400, "ttl_minutes must be >= 0")
	}

	now := e.now()
	round := types.Round{RoundNumber: 1, ProposerDID: initiatorDID, Proposal: initial, Timestamp: now}
	roundsJSON, err := store.EncodeRounds([]types.Round{round})
	if err != nil {
		return types.Negotiation{}, apperr.Internal(err)
	}
	proposalJSON, err := store.EncodeProposal(initial)
	if err != nil {
		return types.Negotiation{}, apperr.Internal(err)
	}

	n := types.Negotiation{
		ID: e.newID(), IntentID: intentID, InitiatorDID: initiatorDID, ResponderDID: responderDID,
		State: types.NegInitiated, MaxRounds: maxRounds, CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
		RoundsJSON: roundsJSON, CurrentProposalJSON: proposalJSON,
	}
	if err := e.repo.Create(ctx, n); err != nil {
		return types.Negotiation{}, apperr.Internal(err)
	}
	e.countEvent("initiated")
	return n, nil
}

// Propose appends a counter-proposal round.
func (e *Engine) Propose(ctx context.Context, id, proposerDID string, proposal types.Proposal) (types.Negotiation, *apperr.Error) {
	var result types.Negotiation
	var event string
	err := e.repo.WithLock(ctx, id, func(tx *gorm.DB, n *types.Negotiation) error {
		if proposerDID != n.InitiatorDID && proposerDID != n.ResponderDID {
			return apperr.ErrAccessDenied
		}
		if n.State.IsSink() {
			return apperr.ErrInvalidState
		}
		if e.now().After(n.ExpiresAt) {
			n.State = types.NegExpired
			if serr := tx.Save(n).Error; serr != nil {
				return apperr.Internal(serr)
			}
			return apperr.ErrExpiredNegotiation
		}
		rounds, derr := store.DecodeRounds(*n)
		if derr != nil {
			return apperr.Internal(derr)
		}
		if len(rounds) >= n.MaxRounds {
			return apperr.ErrMaxRoundsExceeded
		}
		last := rounds[len(rounds)-1]
		if last.ProposerDID == proposerDID {
			return apperr.New(apperr.CodeInvalidState, 409, "proposals must alternate between participants")
		}

		delta := convergenceDelta(last.Proposal, proposal)
		round := types.Round{
			RoundNumber: last.RoundNumber + 1, ProposerDID: proposerDID, Proposal: proposal,
			Timestamp: e.now(), ConvergenceDelta: delta,
		}
		rounds = append(rounds, round)

		roundsJSON, rerr := store.EncodeRounds(rounds)
		if rerr != nil {
			return apperr.Internal(rerr)
		}
		proposalJSON, perr := store.EncodeProposal(proposal)
		if perr != nil {
			return apperr.Internal(perr)
		}

		if n.State == types.NegInitiated {
			n.State = types.NegProposed
			event = "proposed"
		} else {
			n.State = types.NegCounterPropose
			event = "counter_propose"
		}
		n.RoundsJSON = roundsJSON
		n.CurrentProposalJSON = proposalJSON
		n.ConvergenceScore = delta
		return nil
	})
	if err != nil {
		return types.Negotiation{}, mapStoreErr(err)
	}
	e.countEvent(event)
	result, gerr := e.repo.Get(ctx, id)
	if gerr != nil {
		return types.Negotiation{}, mapStoreErr(gerr)
	}
	return result, nil
}

// convergenceDelta implements §4.10: for each of price/delivery_time_ms/
// quality_sla present in both proposals, 1 - |a-b|/max(|a|,|b|,ε), averaged.
func convergenceDelta(a, b types.Proposal) float64 {
	pairs := [][2]*float64{{a.Price, b.Price}, {a.DeliveryTimeMS, b.DeliveryTimeMS}, {a.QualitySLA, b.QualitySLA}}
	var sum float64
	var n int
	for _, p := range pairs {
		if p[0] == nil || p[1] == nil {
			continue
		}
		x, y := *p[0], *p[1]
		denom := math.Max(math.Max(math.Abs(x), math.Abs(y)), epsilon)
		sum += 1 - math.Abs(x-y)/denom
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Accept transitions to accepted, reserving price*1000 credits from the
// initiator's account.
func (e *Engine) Accept(ctx context.Context, id, acceptorDID string) (types.Negotiation, *apperr.Error) {
	var reserveAmount int64
	err := e.repo.WithLock(ctx, id, func(tx *gorm.DB, n *types.Negotiation) error {
		if acceptorDID != n.InitiatorDID && acceptorDID != n.ResponderDID {
			return apperr.ErrAccessDenied
		}
		if n.State != types.NegProposed && n.State != types.NegCounterPropose {
			return apperr.ErrInvalidState
		}
		if e.now().After(n.ExpiresAt) {
			n.State = types.NegExpired
			if serr := tx.Save(n).Error; serr != nil {
				return apperr.Internal(serr)
			}
			return apperr.ErrExpiredNegotiation
		}
		rounds, derr := store.DecodeRounds(*n)
		if derr != nil {
			return apperr.Internal(derr)
		}
		last := rounds[len(rounds)-1]
		if last.ProposerDID == acceptorDID {
			return apperr.New(apperr.CodeInvalidState, 409, "acceptor must not be the author of the current proposal")
		}
		current, perr := store.DecodeProposal(n.CurrentProposalJSON)
		if perr != nil {
			return apperr.Internal(perr)
		}
		if current.Price == nil {
			return apperr.New(apperr.CodeValidation, 400, "current proposal has no price to reserve against")
		}
		reserveAmount = int64(math.Round(*current.Price * creditsPerUnitPrice))

		if err := e.ledger.Reserve(ctx, n.InitiatorDID, reserveAmount, n.IntentID); err != nil {
			return err
		}

		n.State = types.NegAccepted
		n.FinalProposalJSON = n.CurrentProposalJSON
		n.ReservedCredits = reserveAmount
		return nil
	})
	if err != nil {
		return types.Negotiation{}, mapStoreErr(err)
	}
	e.countEvent("accepted")
	return e.repo.Get(ctx, id)
}

// Reject writes a terminal round and sinks the session to rejected.
func (e *Engine) Reject(ctx context.Context, id, rejectorDID, reason string) (types.Negotiation, *apperr.Error) {
	err := e.repo.WithLock(ctx, id, func(tx *gorm.DB, n *types.Negotiation) error {
		if rejectorDID != n.InitiatorDID && rejectorDID != n.ResponderDID {
			return apperr.ErrAccessDenied
		}
		if n.State.IsSink() {
			return apperr.ErrInvalidState
		}
		rounds, derr := store.DecodeRounds(*n)
		if derr != nil {
			return apperr.Internal(derr)
		}
		nextNum := 1
		if len(rounds) > 0 {
			nextNum = rounds[len(rounds)-1].RoundNumber + 1
		}
		rounds = append(rounds, types.Round{
			RoundNumber: nextNum, ProposerDID: rejectorDID, Timestamp: e.now(),
			Terminal: true, Rejected: true, Reason: reason,
		})
		roundsJSON, rerr := store.EncodeRounds(rounds)
		if rerr != nil {
			return apperr.Internal(rerr)
		}
		n.RoundsJSON = roundsJSON
		n.State = types.NegRejected
		return nil
	})
	if err != nil {
		return types.Negotiation{}, mapStoreErr(err)
	}
	e.countEvent("rejected")
	return e.repo.Get(ctx, id)
}

// Settle releases the reservation and distributes it to the responder,
// recording validatorDID/proofID on the distribution. Idempotent: a second
// call on an already-settled session is a no-op.
func (e *Engine) Settle(ctx context.Context, id, validatorDID, proofID string, split types.IncentiveSplit, brokerDID string) (types.Negotiation, *apperr.Error) {
	var alreadySettled bool
	var initiatorDID, responderDID, intentID string
	var reservedCredits int64

	err := e.repo.WithLock(ctx, id, func(tx *gorm.DB, n *types.Negotiation) error {
		if n.State != types.NegAccepted {
			return apperr.ErrInvalidState
		}
		if n.SettledAt != nil {
			alreadySettled = true
			return nil
		}
		now := e.now()
		n.SettledAt = &now
		initiatorDID, responderDID, intentID, reservedCredits = n.InitiatorDID, n.ResponderDID, n.IntentID, n.ReservedCredits
		return nil
	})
	if err != nil {
		return types.Negotiation{}, mapStoreErr(err)
	}
	if alreadySettled {
		return e.repo.Get(ctx, id)
	}

	if err := e.ledger.Release(ctx, initiatorDID, reservedCredits, reservedCredits, intentID); err != nil {
		return types.Negotiation{}, err
	}
	if _, err := e.incent.Distribute(ctx, incentive.Input{
		IntentID: intentID, TotalAmount: reservedCredits,
		AgentDID: responderDID, BrokerDID: brokerDID, ValidatorDID: validatorDID,
		Split: split, UsefulnessProofID: proofID,
	}); err != nil {
		return types.Negotiation{}, err
	}
	e.countEvent("settled")
	return e.repo.Get(ctx, id)
}

// ExpireStale moves any non-sink session past expires_at to expired,
// releasing any reservation back to the initiator.
func (e *Engine) ExpireStale(ctx context.Context) (int, *apperr.Error) {
	expirable, err := e.repo.ListExpirable(ctx, e.now())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	count := 0
	for _, n := range expirable {
		n := n
		lerr := e.repo.WithLock(ctx, n.ID, func(tx *gorm.DB, cur *types.Negotiation) error {
			if cur.State.IsSink() {
				return nil
			}
			if cur.ReservedCredits > 0 {
				if err := e.ledger.Release(ctx, cur.InitiatorDID, cur.ReservedCredits, 0, cur.IntentID); err != nil {
					return err
				}
				cur.ReservedCredits = 0
			}
			cur.State = types.NegExpired
			return nil
		})
		if lerr != nil {
			return count, mapStoreErr(lerr)
		}
		count++
		e.countEvent("expired")
	}
	return count, nil
}

// Get returns a session by id.
func (e *Engine) Get(ctx context.Context, id string) (types.Negotiation, *apperr.Error) {
	n, err := e.repo.Get(ctx, id)
	if err != nil {
		return types.Negotiation{}, mapStoreErr(err)
	}
	return n, nil
}

// List returns sessions matching opts.
func (e *Engine) List(ctx context.Context, opts store.ListOptions) ([]types.Negotiation, *apperr.Error) {
	out, err := e.repo.List(ctx, opts)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}
