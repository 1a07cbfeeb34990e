package antifraud_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/types"
)

type fakeCache struct {
	seen map[string]bool
}

func newFakeCache() *fakeCache { return &fakeCache{seen: map[string]bool{}} }

func (c *fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, bool) {
	if c.seen[key] {
		return false, false
	}
	c.seen[key] = true
	return true, false
}

type fakeContacts struct {
	byPeer map[string]types.Contact
}

func (c *fakeContacts) Get(ctx context.Context, owner, peer string) (types.Contact, bool, *apperr.Error) {
	contact, ok := c.byPeer[owner+"|"+peer]
	return contact, ok, nil
}

type fakeLedger struct {
	spent map[string]int64
	fail  bool
}

func (l *fakeLedger) Spend(ctx context.Context, did string, amount int64, intentID string) *apperr.Error {
	if l.fail {
		return apperr.ErrInsufficientBal
	}
	if l.spent == nil {
		l.spent = map[string]int64{}
	}
	l.spent[did] += amount
	return nil
}

func newGuard(contacts *fakeContacts, ledger *fakeLedger) (*antifraud.Guard, *fakeCache) {
	cache := newFakeCache()
	cfg := config.AntiFraudConfig{
		ReplayWindow:        5 * time.Minute,
		ContentDedupeWindow: 10 * time.Minute,
		GreylistEnabled:     true,
		GreylistRetryAfter:  30 * time.Second,
		PostageAmount:       10,
	}
	return antifraud.New(cache, contacts, ledger, cfg, nil), cache
}

func TestCheckReplayDeniesSecondOccurrence(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(&fakeContacts{byPeer: map[string]types.Contact{}}, &fakeLedger{})
	env := types.Envelope{ID: "env-1", FromDID: "did:key:a", TraceID: "trace-1"}
	require.Nil(t, g.CheckReplay(ctx, env))
	err := g.CheckReplay(ctx, env)
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeDuplicateEnvelope, err.Code)
}

func TestCheckContentDedupeNormalizesWhitespaceAndCase(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(&fakeContacts{byPeer: map[string]types.Contact{}}, &fakeLedger{})
	require.Nil(t, g.CheckContentDedupe(ctx, "did:key:a", "did:key:b", "Hello   World"))
	err := g.CheckContentDedupe(ctx, "did:key:a", "did:key:b", "hello world")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeDuplicateContent, err.Code)
}

func TestCheckGreylistDeniesUnknownPeer(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(&fakeContacts{byPeer: map[string]types.Contact{}}, &fakeLedger{})
	decision, err := g.CheckGreylist(ctx, "did:key:owner", "did:key:stranger")
	require.Nil(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 30*time.Second, decision.RetryAfter)
}

func TestCheckGreylistDeniesUnknownConsentOnExistingContact(t *testing.T) {
	ctx := context.Background()
	contacts := &fakeContacts{byPeer: map[string]types.Contact{
		"did:key:owner|did:key:peer": {OwnerDID: "did:key:owner", PeerDID: "did:key:peer", Consent: types.ConsentUnknown},
	}}
	g, _ := newGuard(contacts, &fakeLedger{})
	decision, err := g.CheckGreylist(ctx, "did:key:owner", "did:key:peer")
	require.Nil(t, err)
	require.False(t, decision.Allowed)
}

func TestCheckGreylistDeniesBlockedPeer(t *testing.T) {
	ctx := context.Background()
	contacts := &fakeContacts{byPeer: map[string]types.Contact{
		"did:key:owner|did:key:peer": {OwnerDID: "did:key:owner", PeerDID: "did:key:peer", Consent: types.ConsentBlocked},
	}}
	g, _ := newGuard(contacts, &fakeLedger{})
	decision, err := g.CheckGreylist(ctx, "did:key:owner", "did:key:peer")
	require.Nil(t, err)
	require.False(t, decision.Allowed)
}

func TestCheckGreylistAllowsConsentedPeer(t *testing.T) {
	ctx := context.Background()
	contacts := &fakeContacts{byPeer: map[string]types.Contact{
		"did:key:owner|did:key:peer": {OwnerDID: "did:key:owner", PeerDID: "did:key:peer", Consent: types.ConsentAllowed},
	}}
	g, _ := newGuard(contacts, &fakeLedger{})
	decision, err := g.CheckGreylist(ctx, "did:key:owner", "did:key:peer")
	require.Nil(t, err)
	require.True(t, decision.Allowed)
}

func TestCheckGreylistDisabledAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	cfg := config.AntiFraudConfig{GreylistEnabled: false}
	g := antifraud.New(cache, &fakeContacts{byPeer: map[string]types.Contact{}}, &fakeLedger{}, cfg, nil)
	decision, err := g.CheckGreylist(ctx, "did:key:owner", "did:key:stranger")
	require.Nil(t, err)
	require.True(t, decision.Allowed)
}

func TestPayPostageSpends(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{}
	g, _ := newGuard(&fakeContacts{byPeer: map[string]types.Contact{}}, ledger)
	require.Nil(t, g.PayPostage(ctx, "did:key:a", "did:key:b", "env-1"))
	require.Equal(t, int64(10), ledger.spent["did:key:a"])
}

func TestPayPostagePropagatesLedgerFailure(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{fail: true}
	g, _ := newGuard(&fakeContacts{byPeer: map[string]types.Contact{}}, ledger)
	err := g.PayPostage(ctx, "did:key:a", "did:key:b", "env-1")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeInsufficientBal, err.Code)
}
