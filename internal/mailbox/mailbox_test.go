package mailbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/mailbox"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
	"github.com/ainp-network/broker/internal/types"
)

func newStore(t *testing.T) *mailbox.Store {
	t.Helper()
	db := storetest.OpenDB(t)
	return mailbox.New(store.NewMailboxRepo(db))
}

func storeInput(owner, envelopeID string) store.StoreInput {
	return store.StoreInput{
		OwnerDID:       owner,
		EnvelopeID:     envelopeID,
		FromDID:        "did:key:sender",
		ConversationID: "did:key:sender|" + owner,
		MsgType:        types.MsgIntent,
		PayloadJSON:    `{"hello":"world"}`,
	}
}

func TestStoreMessageIsIdempotentOnOwnerAndEnvelope(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := storeInput("did:key:recipient", "env-1")

	require.Nil(t, s.StoreMessage(ctx, in))
	require.Nil(t, s.StoreMessage(ctx, in))

	page, err := s.ListInbox(ctx, "did:key:recipient", store.ListInboxOptions{})
	require.Nil(t, err)
	require.Len(t, page.Messages, 1)
}

func TestStoreMessageUpdatesThreadAggregateOnRepeat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.Nil(t, s.StoreMessage(ctx, storeInput("did:key:recipient", "env-1")))
	require.Nil(t, s.StoreMessage(ctx, storeInput("did:key:recipient", "env-2")))

	thread, msgs, err := s.GetThread(ctx, "did:key:recipient", "did:key:sender|did:key:recipient")
	require.Nil(t, err)
	require.Equal(t, int64(2), thread.MessageCount)
	require.Equal(t, int64(2), thread.UnreadCount)
	require.Len(t, msgs, 2)
}

func TestGetThreadDeniesWrongOwner(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.Nil(t, s.StoreMessage(ctx, storeInput("did:key:recipient", "env-1")))

	_, _, err := s.GetThread(ctx, "did:key:stranger", "did:key:sender|did:key:recipient")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeAccessDenied, err.Code)
}

func TestMarkReadIsIdempotentAndSyncsUnreadCount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.Nil(t, s.StoreMessage(ctx, storeInput("did:key:recipient", "env-1")))

	page, err := s.ListInbox(ctx, "did:key:recipient", store.ListInboxOptions{})
	require.Nil(t, err)
	require.Len(t, page.Messages, 1)
	msgID := page.Messages[0].ID

	require.Nil(t, s.MarkRead(ctx, "did:key:recipient", msgID, true))
	thread, _, err := s.GetThread(ctx, "did:key:recipient", "did:key:sender|did:key:recipient")
	require.Nil(t, err)
	require.Equal(t, int64(0), thread.UnreadCount)

	// Marking read again is a no-op, not a second decrement.
	require.Nil(t, s.MarkRead(ctx, "did:key:recipient", msgID, true))
	thread, _, err = s.GetThread(ctx, "did:key:recipient", "did:key:sender|did:key:recipient")
	require.Nil(t, err)
	require.Equal(t, int64(0), thread.UnreadCount)
}

func TestMarkReadUnknownMessageReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	err := s.MarkRead(ctx, "did:key:recipient", 999, true)
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeNotFound, err.Code)
}

func TestLabelRejectsEmptyDelta(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.Nil(t, s.StoreMessage(ctx, storeInput("did:key:recipient", "env-1")))
	page, err := s.ListInbox(ctx, "did:key:recipient", store.ListInboxOptions{})
	require.Nil(t, err)
	msgID := page.Messages[0].ID

	err2 := s.Label(ctx, "did:key:recipient", msgID, store.LabelDelta{})
	require.NotNil(t, err2)
	require.Equal(t, apperr.CodeNoLabels, err2.Code)
}

func TestLabelUnknownMessageReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	err := s.Label(ctx, "did:key:recipient", 999, store.LabelDelta{Add: []string{"important"}})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeNotFound, err.Code)
}
