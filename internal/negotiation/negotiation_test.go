package negotiation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/incentive"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
	"github.com/ainp-network/broker/internal/types"
)

type fakeLedger struct {
	reserved map[string]int64
	released []string
	failNext bool
}

func (l *fakeLedger) Reserve(ctx context.Context, did string, amount int64, intentID string) *apperr.Error {
	if l.failNext {
		return apperr.ErrInsufficientBal
	}
	if l.reserved == nil {
		l.reserved = map[string]int64{}
	}
	l.reserved[did] += amount
	return nil
}

func (l *fakeLedger) Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) *apperr.Error {
	l.released = append(l.released, did)
	return nil
}

type fakeDistributor struct {
	calls []incentive.Input
}

func (d *fakeDistributor) Distribute(ctx context.Context, in incentive.Input) (incentive.Result, *apperr.Error) {
	d.calls = append(d.calls, in)
	return incentive.Result{AgentAmount: in.TotalAmount}, nil
}

func newEngine(t *testing.T) (*negotiation.Engine, *fakeLedger, *fakeDistributor) {
	t.Helper()
	db := storetest.OpenDB(t)
	ledger := &fakeLedger{}
	dist := &fakeDistributor{}
	return negotiation.New(store.NewNegotiationRepo(db), ledger, dist, nil), ledger, dist
}

func price(v float64) *float64 { return &v }

func TestInitiateRejectsSameParticipant(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Initiate(context.Background(), "intent-1", "did:key:a", "did:key:a", types.Proposal{}, 5, 60)
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeValidation, err.Code)
}

func TestInitiateRejectsOutOfRangeMaxRounds(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Initiate(context.Background(), "intent-1", "did:key:a", "did:key:b", types.Proposal{}, 21, 60)
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeValidation, err.Code)
}

func TestFullLifecycleAcceptReservesAndSettleDistributes(t *testing.T) {
	ctx := context.Background()
	e, ledger, dist := newEngine(t)

	n, err := e.Initiate(ctx, "intent-1", "did:key:a", "did:key:b", types.Proposal{Price: price(100)}, 5, 60)
	require.Nil(t, err)
	require.Equal(t, types.NegInitiated, n.State)

	n, err = e.Propose(ctx, n.ID, "did:key:b", types.Proposal{Price: price(100)})
	require.Nil(t, err)
	require.Equal(t, types.NegProposed, n.State)

	n, err = e.Accept(ctx, n.ID, "did:key:a")
	require.Nil(t, err)
	require.Equal(t, types.NegAccepted, n.State)
	require.Equal(t, int64(100000), n.ReservedCredits)
	require.Equal(t, int64(100000), ledger.reserved["did:key:a"])

	n, err = e.Settle(ctx, n.ID, "did:key:validator", "proof-1", types.IncentiveSplit{Agent: 1}, "")
	require.Nil(t, err)
	require.NotNil(t, n.SettledAt)
	require.Len(t, dist.calls, 1)
	require.Equal(t, int64(100000), dist.calls[0].TotalAmount)
	require.Contains(t, ledger.released, "did:key:a")

	// Settling again is a no-op, not a second distribution.
	n, err = e.Settle(ctx, n.ID, "did:key:validator", "proof-1", types.IncentiveSplit{Agent: 1}, "")
	require.Nil(t, err)
	require.Len(t, dist.calls, 1)
}

func TestProposeFailsWhenSameProposerRepeats(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	n, err := e.Initiate(ctx, "intent-1", "did:key:a", "did:key:b", types.Proposal{Price: price(50)}, 5, 60)
	require.Nil(t, err)
	_, err = e.Propose(ctx, n.ID, "did:key:a", types.Proposal{Price: price(60)})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInvalidState, err.Code)
}

func TestProposeFailsMaxRoundsExceeded(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	n, err := e.Initiate(ctx, "intent-1", "did:key:i", "did:key:r", types.Proposal{Price: price(50)}, 2, 60)
	require.Nil(t, err)
	n, err = e.Propose(ctx, n.ID, "did:key:r", types.Proposal{Price: price(55)})
	require.Nil(t, err)
	_, err = e.Propose(ctx, n.ID, "did:key:i", types.Proposal{Price: price(52)})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeMaxRoundsExceeded, err.Code)
}

func TestRejectSinksFromAnyNonSinkState(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	n, err := e.Initiate(ctx, "intent-1", "did:key:a", "did:key:b", types.Proposal{Price: price(10)}, 5, 60)
	require.Nil(t, err)
	n, err = e.Reject(ctx, n.ID, "did:key:b", "not interested")
	require.Nil(t, err)
	require.Equal(t, types.NegRejected, n.State)

	_, err = e.Propose(ctx, n.ID, "did:key:a", types.Proposal{Price: price(10)})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInvalidState, err.Code)
}

func TestAcceptFailsWhenReservationFails(t *testing.T) {
	ctx := context.Background()
	e, ledger, _ := newEngine(t)
	n, err := e.Initiate(ctx, "intent-1", "did:key:a", "did:key:b", types.Proposal{Price: price(10)}, 5, 60)
	require.Nil(t, err)
	n, err = e.Propose(ctx, n.ID, "did:key:b", types.Proposal{Price: price(10)})
	require.Nil(t, err)

	ledger.failNext = true
	_, err = e.Accept(ctx, n.ID, "did:key:a")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInsufficientBal, err.Code)

	reloaded, gerr := e.Get(ctx, n.ID)
	require.Nil(t, gerr)
	require.Equal(t, types.NegProposed, reloaded.State)
}
