// Package contacts implements the contacts/consent service (§4.7): an
// allowlist/blocklist keyed by (owner, peer), used by the anti-fraud guard
// to short-circuit greylisting on known, consenting peers.
package contacts

import (
	"context"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/types"
)

// Repo is the persistence collaborator this package needs.
type Repo interface {
	Get(ctx context.Context, owner, peer string) (types.Contact, bool, error)
	RecordInteraction(ctx context.Context, owner, peer string) error
	SetConsent(ctx context.Context, owner, peer string, consent types.ConsentState) error
}

// Service is the contacts/consent component.
type Service struct {
	repo Repo
}

// New constructs a Service over repo.
func New(repo Repo) *Service { return &Service{repo: repo} }

// Get returns the contact edge for (owner, peer), if any.
func (s *Service) Get(ctx context.Context, owner, peer string) (types.Contact, bool, *apperr.Error) {
	c, ok, err := s.repo.Get(ctx, owner, peer)
	if err != nil {
		return types.Contact{}, false, apperr.Internal(err)
	}
	return c, ok, nil
}

// RecordInteraction creates or increments the (owner, peer) edge.
func (s *Service) RecordInteraction(ctx context.Context, owner, peer string) *apperr.Error {
	if err := s.repo.RecordInteraction(ctx, owner, peer); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Allow flips consent to allowed.
func (s *Service) Allow(ctx context.Context, owner, peer string) *apperr.Error {
	if err := s.repo.SetConsent(ctx, owner, peer, types.ConsentAllowed); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Block flips consent to blocked.
func (s *Service) Block(ctx context.Context, owner, peer string) *apperr.Error {
	if err := s.repo.SetConsent(ctx, owner, peer, types.ConsentBlocked); err != nil {
		return apperr.Internal(err)
	}
	return nil
}
