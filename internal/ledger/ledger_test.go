package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db := storetest.OpenDB(t)
	return ledger.New(store.NewLedgerRepo(db), nil)
}

func TestDepositAndGet(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.Nil(t, l.CreateAccount(ctx, "did:key:a", 0))
	require.Nil(t, l.Deposit(ctx, "did:key:a", 500))
	acct, err := l.Get(ctx, "did:key:a")
	require.Nil(t, err)
	require.Equal(t, int64(500), acct.Balance)
}

func TestReserveReleaseSpendsPartial(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.Nil(t, l.CreateAccount(ctx, "did:key:a", 1000))
	require.Nil(t, l.Reserve(ctx, "did:key:a", 300, "intent-1"))

	acct, err := l.Get(ctx, "did:key:a")
	require.Nil(t, err)
	require.Equal(t, int64(700), acct.Balance)
	require.Equal(t, int64(300), acct.Reserved)

	require.Nil(t, l.Release(ctx, "did:key:a", 300, 200, "intent-1"))
	acct, err = l.Get(ctx, "did:key:a")
	require.Nil(t, err)
	require.Equal(t, int64(800), acct.Balance) // 700 + (300-200) refund
	require.Equal(t, int64(0), acct.Reserved)
	require.Equal(t, int64(200), acct.LifetimeSpent)
}

func TestReserveRejectsInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.Nil(t, l.CreateAccount(ctx, "did:key:a", 100))
	err := l.Reserve(ctx, "did:key:a", 200, "intent-1")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInsufficientBal, err.Code)
}

func TestEarnCreditsRecipient(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.Nil(t, l.CreateAccount(ctx, "did:key:b", 0))
	require.Nil(t, l.Earn(ctx, "did:key:b", 42, "intent-1", "proof-1"))
	acct, err := l.Get(ctx, "did:key:b")
	require.Nil(t, err)
	require.Equal(t, int64(42), acct.Balance)
	require.Equal(t, int64(42), acct.LifetimeEarned)
}

func TestSpendDebitsImmediately(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.Nil(t, l.CreateAccount(ctx, "did:key:a", 50))
	require.Nil(t, l.Spend(ctx, "did:key:a", 20, "postage-1"))
	acct, err := l.Get(ctx, "did:key:a")
	require.Nil(t, err)
	require.Equal(t, int64(30), acct.Balance)
	require.Equal(t, int64(20), acct.LifetimeSpent)

	err = l.Spend(ctx, "did:key:a", 1000, "postage-2")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInsufficientBal, err.Code)
}

func TestGetUnknownAccount(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := l.Get(ctx, "did:key:ghost")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeAccountNotFound, err.Code)
}
