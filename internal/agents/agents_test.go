package agents_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/agents"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/storetest"
	"github.com/ainp-network/broker/internal/types"
)

type fakeTrust struct {
	score float64
}

func (f *fakeTrust) Get(ctx context.Context, did string) (types.TrustRecord, float64, error) {
	return types.TrustRecord{AgentDID: did}, f.score, nil
}

type fakeUsefulness struct {
	score float64
}

func (f *fakeUsefulness) CachedScore(ctx context.Context, agentDID string) (float64, error) {
	return f.score, nil
}

func TestRegisterRejectsInvalidDID(t *testing.T) {
	s := agents.New(nil, &fakeTrust{}, &fakeUsefulness{})
	err := s.Register(context.Background(), agents.RegisterInput{DID: "not-a-did"})
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeValidation, err.Code)
}

func TestRegisterIsIdempotentAndReplacesCapabilities(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	repo := store.NewAgentRepo(db)
	s := agents.New(repo, &fakeTrust{score: 0.5}, &fakeUsefulness{score: 0.25})

	did := "did:key:zAgentOne"
	err := s.Register(ctx, agents.RegisterInput{
		DID: did, PublicKeyB64: "AA==", TTLSeconds: 3600,
		Capabilities: []store.CapabilityInput{{Description: "translate text"}},
	})
	require.Nil(t, err)

	err = s.Register(ctx, agents.RegisterInput{
		DID: did, PublicKeyB64: "AA==", TTLSeconds: 3600,
		Capabilities: []store.CapabilityInput{{Description: "summarize text"}, {Description: "translate text"}},
	})
	require.Nil(t, err)

	view, gerr := s.Get(ctx, did)
	require.Nil(t, gerr)
	require.Len(t, view.Capabilities, 2)
}

func TestGetUnknownAgentReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	repo := store.NewAgentRepo(db)
	s := agents.New(repo, &fakeTrust{}, &fakeUsefulness{})

	_, err := s.Get(ctx, "did:key:zMissing")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeNotFound, err.Code)
}

func TestGetComposesAddressView(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	repo := store.NewAgentRepo(db)
	s := agents.New(repo, &fakeTrust{score: 0.81}, &fakeUsefulness{score: 0.42})

	did := "did:key:zAgentTwo"
	require.Nil(t, s.Register(ctx, agents.RegisterInput{DID: did, PublicKeyB64: "AA==", TTLSeconds: 3600}))

	view, err := s.Get(ctx, did)
	require.Nil(t, err)
	require.Equal(t, did, view.DID)
	require.InDelta(t, 0.81, view.Trust, 1e-9)
	require.InDelta(t, 0.42, view.Usefulness, 1e-9)
	require.True(t, view.Active)
}

func TestGetReportsInactiveAfterTTL(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	repo := store.NewAgentRepo(db)
	s := agents.New(repo, &fakeTrust{}, &fakeUsefulness{})

	did := "did:key:zAgentThree"
	require.Nil(t, s.Register(ctx, agents.RegisterInput{DID: did, PublicKeyB64: "AA==", TTLSeconds: 1}))
	time.Sleep(1100 * time.Millisecond)

	view, err := s.Get(ctx, did)
	require.Nil(t, err)
	require.False(t, view.Active)
}
