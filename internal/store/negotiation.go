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

// NegotiationRepo persists negotiation sessions (§4.10), serializing every
// transition per session via a row lock.
type NegotiationRepo struct {
	db *gorm.DB
}

// NewNegotiationRepo constructs a NegotiationRepo.
func NewNegotiationRepo(s *Store) *NegotiationRepo { return &NegotiationRepo{db: s.DB} }

// ErrNegotiationNotFound is returned when a session id is unknown.
var ErrNegotiationNotFound = errors.New("store: negotiation not found")

// Create inserts a brand-new negotiation session.
func (r *NegotiationRepo) Create(ctx context.Context, n types.Negotiation) error {
	return r.db.WithContext(ctx).Create(&n).Error
}

// WithLock loads the session for update and runs fn inside the same
// transaction, persisting whatever fn mutates on success.
func (r *NegotiationRepo) WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, n *types.Negotiation) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n types.Negotiation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&n).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNegotiationNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(tx, &n); err != nil {
			return err
		}
		return tx.Save(&n).Error
	})
}

// Get returns a session by id without locking.
func (r *NegotiationRepo) Get(ctx context.Context, id string) (types.Negotiation, error) {
	var n types.Negotiation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Negotiation{}, ErrNegotiationNotFound
	}
	return n, err
}

// ListOptions filters the negotiation listing endpoint.
type ListOptions struct {
	AgentDID string
	State    types.NegotiationState
}

// List returns sessions matching opts, most recent first.
func (r *NegotiationRepo) List(ctx context.Context, opts ListOptions) ([]types.Negotiation, error) {
	q := r.db.WithContext(ctx).Model(&types.Negotiation{})
	if opts.AgentDID != "" {
		q = q.Where("initiator_did = ? OR responder_did = ?", opts.AgentDID, opts.AgentDID)
	}
	if opts.State != "" {
		q = q.Where("state = ?", opts.State)
	}
	var out []types.Negotiation
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListExpirable returns non-sink sessions whose expires_at has elapsed, for
// the expire_stale batch job.
func (r *NegotiationRepo) ListExpirable(ctx context.Context, now time.Time) ([]types.Negotiation, error) {
	var out []types.Negotiation
	err := r.db.WithContext(ctx).
		Where("state NOT IN ? AND expires_at <= ?", []types.NegotiationState{types.NegAccepted, types.NegRejected, types.NegExpired}, now).
		Find(&out).Error
	return out, err
}

// DecodeRounds unmarshals the rounds JSON column.
func DecodeRounds(n types.Negotiation) ([]types.Round, error) {
	if n.RoundsJSON == "" {
		return nil, nil
	}
	var rounds []types.Round
	if err := json.Unmarshal([]byte(n.RoundsJSON), &rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

// EncodeRounds marshals rounds back into the rounds JSON column.
func EncodeRounds(rounds []types.Round) (string, error) {
	b, err := json.Marshal(rounds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeProposal unmarshals a proposal JSON column; empty string yields a
// zero-value proposal.
func DecodeProposal(raw string) (types.Proposal, error) {
	if raw == "" {
		return types.Proposal{}, nil
	}
	var p types.Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return types.Proposal{}, err
	}
	return p, nil
}

// EncodeProposal marshals a proposal into its JSON column representation.
func EncodeProposal(p types.Proposal) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
