package reputation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/reputation"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
	"github.com/ainp-network/broker/internal/types"
)

type fakeCommittee struct {
	agents []string
}

func (c *fakeCommittee) TopUsefulAgents(ctx context.Context, exclude []string, limit int) ([]string, error) {
	excluded := map[string]bool{}
	for _, d := range exclude {
		excluded[d] = true
	}
	var out []string
	for _, a := range c.agents {
		if excluded[a] {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newEngine(t *testing.T, committeeAgents []string) *reputation.Engine {
	t.Helper()
	db := storetest.OpenDB(t)
	ids := 0
	newID := func() string {
		ids++
		return "receipt-" + string(rune('0'+ids))
	}
	return reputation.New(store.NewReceiptRepo(db), store.NewReputationRepo(db), &fakeCommittee{agents: committeeAgents}, newID)
}

func TestCreateReceiptExcludesPartiesFromCommittee(t *testing.T) {
	ctx := context.Background()
	committee := []string{"did:key:agent", "did:key:client", "did:key:c1", "did:key:c2", "did:key:c3", "did:key:c4"}
	e := newEngine(t, committee)

	receipt, err := e.CreateReceipt(ctx, "neg-1", "did:key:agent", "did:key:client", 0, 0)
	require.Nil(t, err)
	require.Equal(t, 3, receipt.K)
	require.Equal(t, 5, receipt.M)

	got, gerr := e.Get(ctx, receipt.ID)
	require.Nil(t, gerr)
	require.Equal(t, types.ReceiptPending, got.Status)

	members, derr := store.DecodeCommittee(got)
	require.Nil(t, derr)
	require.Len(t, members, 4)
	require.NotContains(t, members, "did:key:agent")
	require.NotContains(t, members, "did:key:client")
}

func TestAddAttestationFinalizesOnQuorumAndUpdatesReputation(t *testing.T) {
	ctx := context.Background()
	committee := []string{"did:key:c1", "did:key:c2", "did:key:c3", "did:key:c4", "did:key:c5"}
	e := newEngine(t, committee)

	receipt, err := e.CreateReceipt(ctx, "neg-1", "did:key:agent", "did:key:client", 3, 5)
	require.Nil(t, err)

	for _, did := range []string{"did:key:c1", "did:key:c2", "did:key:c3"} {
		receipt, err = e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: did, Type: types.AttestAccepted, Score: 90})
		require.Nil(t, err)
	}
	require.Equal(t, types.ReceiptPending, receipt.Status) // no client attestation yet

	receipt, err = e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:client", Type: types.AttestAccepted, Score: 100})
	require.Nil(t, err)
	require.Equal(t, types.ReceiptFinalized, receipt.Status)
}

func TestAddAttestationFinalizeAppliesEMADirectly(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	committee := []string{"did:key:c1", "did:key:c2", "did:key:c3"}
	newID := func() string { return "receipt-x" }
	receiptRepo := store.NewReceiptRepo(db)
	repRepo := store.NewReputationRepo(db)
	e := reputation.New(receiptRepo, repRepo, &fakeCommittee{agents: committee}, newID)

	receipt, err := e.CreateReceipt(ctx, "neg-1", "did:key:agent", "did:key:client", 2, 3)
	require.Nil(t, err)

	_, err = e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:c1", Type: types.AttestAccepted, Score: 100})
	require.Nil(t, err)
	_, err = e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:c2", Type: types.AttestAccepted, Score: 100})
	require.Nil(t, err)
	final, err := e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:client", Type: types.AttestAccepted, Score: 100})
	require.Nil(t, err)
	require.Equal(t, types.ReceiptFinalized, final.Status)

	rep, gerr := repRepo.Get(ctx, "did:key:agent")
	require.Nil(t, gerr)
	require.InDelta(t, 20.0, rep.Q, 0.0001) // (1-0.2)*0 + 0.2*100
}

func TestAddAttestationIdempotentAfterFinalized(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	committee := []string{"did:key:c1", "did:key:c2"}
	newID := func() string { return "receipt-y" }
	receiptRepo := store.NewReceiptRepo(db)
	repRepo := store.NewReputationRepo(db)
	e := reputation.New(receiptRepo, repRepo, &fakeCommittee{agents: committee}, newID)

	receipt, err := e.CreateReceipt(ctx, "neg-1", "did:key:agent", "did:key:client", 1, 2)
	require.Nil(t, err)
	_, err = e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:c1", Type: types.AttestAccepted, Score: 80})
	require.Nil(t, err)
	final, err := e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:client", Type: types.AttestAccepted, Score: 80})
	require.Nil(t, err)
	require.Equal(t, types.ReceiptFinalized, final.Status)

	again, err := e.AddAttestation(ctx, receipt.ID, types.Attestation{ByDID: "did:key:c2", Type: types.AttestAccepted, Score: 80})
	require.Nil(t, err)
	require.Equal(t, types.ReceiptFinalized, again.Status)
}
