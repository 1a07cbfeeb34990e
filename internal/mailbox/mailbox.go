// Package mailbox exposes the mailbox & thread store operations (§4.6) as a
// typed-error API over the SQL repository.
package mailbox

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

// Repo is the persistence collaborator this package needs.
type Repo interface {
	Store(ctx context.Context, in store.StoreInput) error
	ListInbox(ctx context.Context, owner string, opts store.ListInboxOptions) (store.InboxPage, error)
	GetThread(ctx context.Context, owner, conversationID string) (types.Thread, []types.Message, error)
	MarkRead(ctx context.Context, owner string, messageID uint64, read bool) error
	Label(ctx context.Context, owner string, messageID uint64, delta store.LabelDelta) error
}

// Store is the mailbox & thread store component.
type Store struct {
	repo Repo
}

// New constructs a Store over repo.
func New(repo Repo) *Store { return &Store{repo: repo} }

// StoreMessage persists one delivered copy for owner (§4.6 store).
func (s *Store) StoreMessage(ctx context.Context, in store.StoreInput) *apperr.Error {
	if err := s.repo.Store(ctx, in); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ListInbox returns a keyset-paginated inbox page.
func (s *Store) ListInbox(ctx context.Context, owner string, opts store.ListInboxOptions) (store.InboxPage, *apperr.Error) {
	page, err := s.repo.ListInbox(ctx, owner, opts)
	if err != nil {
		return store.InboxPage{}, apperr.Internal(err)
	}
	return page, nil
}

// GetThread returns a thread and its messages, enforcing the owner ACL.
func (s *Store) GetThread(ctx context.Context, owner, conversationID string) (types.Thread, []types.Message, *apperr.Error) {
	thread, msgs, err := s.repo.GetThread(ctx, owner, conversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Thread{}, nil, apperr.ErrAccessDenied
	}
	if err != nil {
		return types.Thread{}, nil, apperr.Internal(err)
	}
	return thread, msgs, nil
}

// MarkRead idempotently flips a message's read flag.
func (s *Store) MarkRead(ctx context.Context, owner string, messageID uint64, read bool) *apperr.Error {
	if err := s.repo.MarkRead(ctx, owner, messageID, read); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		return apperr.Internal(err)
	}
	return nil
}

// Label applies an add/remove label delta; a no-op request is rejected.
func (s *Store) Label(ctx context.Context, owner string, messageID uint64, delta store.LabelDelta) *apperr.Error {
	if len(delta.Add) == 0 && len(delta.Remove) == 0 {
		return apperr.ErrNoLabels
	}
	if err := s.repo.Label(ctx, owner, messageID, delta); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		return apperr.Internal(err)
	}
	return nil
}
