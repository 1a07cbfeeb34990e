// Package agents implements agent registration and the address view
// (§3 supplement, §4.9 supplement): idempotent registration keyed by DID,
// and a read view joining an agent's capabilities, decayed trust, and
// cached usefulness score.
package agents

import (
	"context"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

// Repo is the persistence collaborator this package needs for agents.
type Repo interface {
	Register(ctx context.Context, in store.RegisterInput) error
	GetAgent(ctx context.Context, did string) (types.Agent, []types.Capability, bool, error)
}

// TrustSource is the subset of store.TrustRepo this package needs.
type TrustSource interface {
	Get(ctx context.Context, did string) (types.TrustRecord, float64, error)
}

// UsefulnessSource is the subset of usefulness persistence this package needs.
type UsefulnessSource interface {
	CachedScore(ctx context.Context, agentDID string) (float64, error)
}

// Service is the agent directory component.
type Service struct {
	repo       Repo
	trust      TrustSource
	usefulness UsefulnessSource
}

// New constructs a Service.
func New(repo Repo, trust TrustSource, usefulness UsefulnessSource) *Service {
	return &Service{repo: repo, trust: trust, usefulness: usefulness}
}

// RegisterInput is a registration request (§6 `POST /api/agents/register`).
type RegisterInput struct {
	DID          string
	PublicKeyB64 string
	Address      string
	TTLSeconds   int64
	Capabilities []store.CapabilityInput
}

// Register validates the DID and idempotently (re-)registers the agent,
// replacing its full capability set to match the request.
func (s *Service) Register(ctx context.Context, in RegisterInput) *apperr.Error {
	if !types.ValidDID(in.DID) {
		return apperr.New(apperr.CodeValidation, 400, "did is not a valid DID")
	}
	if in.TTLSeconds <= 0 {
		in.TTLSeconds = 3600
	}
	err := s.repo.Register(ctx, store.RegisterInput{
		DID: in.DID, PublicKeyB64: in.PublicKeyB64, Address: in.Address,
		TTLSeconds: in.TTLSeconds, Capabilities: in.Capabilities,
	})
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Address is the materialized view returned for an agent (§3 supplement).
type Address struct {
	DID          string
	PublicKeyB64 string
	Capabilities []types.Capability
	Trust        float64
	Usefulness   float64
	Active       bool
}

// Get returns the address view for did.
func (s *Service) Get(ctx context.Context, did string) (Address, *apperr.Error) {
	agent, caps, found, err := s.repo.GetAgent(ctx, did)
	if err != nil {
		return Address{}, apperr.Internal(err)
	}
	if !found {
		return Address{}, apperr.ErrNotFound
	}
	_, trust, terr := s.trust.Get(ctx, did)
	if terr != nil {
		return Address{}, apperr.Internal(terr)
	}
	usefulness, uerr := s.usefulness.CachedScore(ctx, did)
	if uerr != nil {
		return Address{}, apperr.Internal(uerr)
	}
	active := time.Since(agent.LastSeenAt) < time.Duration(agent.TTLSeconds)*time.Second
	return Address{
		DID: agent.DID, PublicKeyB64: agent.PublicKeyB64, Capabilities: caps,
		Trust: trust, Usefulness: usefulness, Active: active,
	}, nil
}
