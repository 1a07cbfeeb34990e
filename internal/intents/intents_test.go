package intents_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/cacheadapter"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/intents"
	"github.com/ainp-network/broker/internal/realtime"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/streamadapter"
	"github.com/ainp-network/broker/internal/types"
)

type fakeIdentity struct{ fail *apperr.Error }

func (f *fakeIdentity) Verify(env types.Envelope, assertedDID string) ([]byte, *apperr.Error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []byte("canonical"), nil
}

type fakeAntiFraud struct {
	replayFail   *apperr.Error
	dedupeFail   *apperr.Error
	greylist     antifraud.GreylistDecision
	greylistFail *apperr.Error
	postageFail  *apperr.Error
	postagePaid  bool
}

func (f *fakeAntiFraud) CheckReplay(ctx context.Context, env types.Envelope) *apperr.Error { return f.replayFail }
func (f *fakeAntiFraud) CheckContentDedupe(ctx context.Context, fromDID, toDID, body string) *apperr.Error {
	return f.dedupeFail
}
func (f *fakeAntiFraud) CheckGreylist(ctx context.Context, owner, peer string) (antifraud.GreylistDecision, *apperr.Error) {
	return f.greylist, f.greylistFail
}
func (f *fakeAntiFraud) PayPostage(ctx context.Context, fromDID, toDID, envelopeID string) *apperr.Error {
	f.postagePaid = true
	return f.postageFail
}

type fakeLimiter struct{ result cacheadapter.WindowResult }

func (f *fakeLimiter) SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) cacheadapter.WindowResult {
	return f.result
}

type fakeDiscovery struct {
	results []discovery.Result
}

func (f *fakeDiscovery) Search(ctx context.Context, q discovery.Query) ([]discovery.Result, *apperr.Error) {
	return f.results, nil
}

type fakeStream struct {
	published []string
}

func (f *fakeStream) Publish(ctx context.Context, kind streamadapter.StreamKind, recipientOrID, senderDID, messageID string, fields map[string]string) error {
	f.published = append(f.published, recipientOrID)
	return nil
}

type fakeMailbox struct{ stored []store.StoreInput }

func (f *fakeMailbox) StoreMessage(ctx context.Context, in store.StoreInput) *apperr.Error {
	f.stored = append(f.stored, in)
	return nil
}

type fakeContacts struct {
	recorded [][2]string
	allowed  [][2]string
}

func (f *fakeContacts) RecordInteraction(ctx context.Context, owner, peer string) *apperr.Error {
	f.recorded = append(f.recorded, [2]string{owner, peer})
	return nil
}

func (f *fakeContacts) Allow(ctx context.Context, owner, peer string) *apperr.Error {
	f.allowed = append(f.allowed, [2]string{owner, peer})
	return nil
}

type fakeHub struct{ pushed []realtime.Notification }

func (f *fakeHub) Push(did string, notif realtime.Notification) bool {
	f.pushed = append(f.pushed, notif)
	return true
}

func baseEnvelope(toDID string) types.Envelope {
	return types.Envelope{
		ID: "env-1", FromDID: "did:key:sender", ToDID: toDID, MsgType: types.MsgIntent,
		TTLSeconds: 60, TimestampMS: time.Now().UnixMilli(), Payload: types.Null(),
	}
}

func newRouter(t *testing.T) (*intents.Router, *fakeStream, *fakeMailbox, *fakeContacts, *fakeHub) {
	t.Helper()
	af := &fakeAntiFraud{}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	stream := &fakeStream{}
	mailbox := &fakeMailbox{}
	contacts := &fakeContacts{}
	hub := &fakeHub{}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, stream, mailbox, contacts, hub,
		config.FeatureFlags{MessagingEnabled: true}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)
	return r, stream, mailbox, contacts, hub
}

func TestSendUnicastDeliversAndNotifies(t *testing.T) {
	r, stream, mailbox, contacts, hub := newRouter(t)
	result, err := r.Send(context.Background(), baseEnvelope("did:key:recipient"), "did:key:sender", "")
	require.Nil(t, err)
	require.Equal(t, "routed", result.Status)
	require.Equal(t, 1, result.AgentCount)
	require.Equal(t, []string{"did:key:recipient"}, stream.published)
	require.Len(t, mailbox.stored, 1)
	require.Equal(t, "did:key:recipient", mailbox.stored[0].OwnerDID)
	require.Equal(t, [][2]string{{"did:key:recipient", "did:key:sender"}}, contacts.recorded)
	require.Len(t, hub.pushed, 1)
	require.Equal(t, "new_message", hub.pushed[0].Type)
}

func TestSendBroadcastFansOutToTopN(t *testing.T) {
	af := &fakeAntiFraud{}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	stream := &fakeStream{}
	mailbox := &fakeMailbox{}
	contacts := &fakeContacts{}
	hub := &fakeHub{}
	disc := &fakeDiscovery{results: []discovery.Result{
		{AgentDID: "did:key:a"}, {AgentDID: "did:key:b"}, {AgentDID: "did:key:c"},
	}}
	r := intents.New(&fakeIdentity{}, af, limiter, disc, stream, mailbox, contacts, hub,
		config.FeatureFlags{MessagingEnabled: true}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 2, nil)

	env := baseEnvelope("") // broadcast
	result, err := r.Send(context.Background(), env, "did:key:sender", "")
	require.Nil(t, err)
	require.Equal(t, 2, result.AgentCount)
	require.ElementsMatch(t, []string{"did:key:a", "did:key:b"}, stream.published)
}

func TestSendRejectsWhenMessagingDisabled(t *testing.T) {
	af := &fakeAntiFraud{}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	disabled := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, &fakeStream{}, &fakeMailbox{}, &fakeContacts{}, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: false}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)
	_, err := disabled.Send(context.Background(), baseEnvelope("did:key:recipient"), "did:key:sender", "")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeFeatureDisabled, err.Code)
}

func TestSendStopsOnReplayFailure(t *testing.T) {
	af := &fakeAntiFraud{replayFail: apperr.ErrDuplicateEnvelope}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	stream := &fakeStream{}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, stream, &fakeMailbox{}, &fakeContacts{}, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: true}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)
	_, err := r.Send(context.Background(), baseEnvelope("did:key:recipient"), "did:key:sender", "")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeDuplicateEnvelope, err.Code)
	require.Empty(t, stream.published)
}

func TestSendSurfacesDegradedRateLimiter(t *testing.T) {
	af := &fakeAntiFraud{}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true, Degraded: true}}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, &fakeStream{}, &fakeMailbox{}, &fakeContacts{}, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: true}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)
	result, err := r.Send(context.Background(), baseEnvelope("did:key:recipient"), "did:key:sender", "")
	require.Nil(t, err)
	require.True(t, result.Degraded)
}

func TestSendRateLimited(t *testing.T) {
	af := &fakeAntiFraud{}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, &fakeStream{}, &fakeMailbox{}, &fakeContacts{}, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: true}, config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)
	_, err := r.Send(context.Background(), baseEnvelope("did:key:recipient"), "did:key:sender", "")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeRateLimited, err.Code)
	require.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
	require.Greater(t, err.RetryAfterSeconds, 0)
}

func TestSendEmailGuardDeniesGreylistedFirstContact(t *testing.T) {
	af := &fakeAntiFraud{greylist: antifraud.GreylistDecision{Allowed: false, RetryAfter: 60 * time.Second}}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, &fakeStream{}, &fakeMailbox{}, &fakeContacts{}, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: true, GreylistBypassPaymentEnabled: false},
		config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)

	env := baseEnvelope("did:key:recipient")
	env.MsgType = types.MsgEmailMessage
	env.Payload = types.Map(map[string]types.Value{"body": types.String("hello")})

	_, err := r.Send(context.Background(), env, "did:key:sender", "")
	require.NotNil(t, err)
	require.Equal(t, apperr.CodeGreylisted, err.Code)
	require.Equal(t, http.StatusTooEarly, err.HTTPStatus)
	require.False(t, af.postagePaid)
}

func TestSendEmailGuardBypassesGreylistWithPostage(t *testing.T) {
	af := &fakeAntiFraud{greylist: antifraud.GreylistDecision{Allowed: false, RetryAfter: 60 * time.Second}}
	limiter := &fakeLimiter{result: cacheadapter.WindowResult{Allowed: true}}
	stream := &fakeStream{}
	contacts := &fakeContacts{}
	r := intents.New(&fakeIdentity{}, af, limiter, &fakeDiscovery{}, stream, &fakeMailbox{}, contacts, &fakeHub{},
		config.FeatureFlags{MessagingEnabled: true, GreylistBypassPaymentEnabled: true},
		config.RateLimits{RequestsPerMinute: 100, Window: time.Minute}, 5, nil)

	env := baseEnvelope("did:key:recipient")
	env.MsgType = types.MsgEmailMessage
	env.Payload = types.Map(map[string]types.Value{"body": types.String("hello")})

	result, err := r.Send(context.Background(), env, "did:key:sender", "")
	require.Nil(t, err)
	require.True(t, af.postagePaid)
	require.Equal(t, 1, result.AgentCount)
	require.Equal(t, [][2]string{{"did:key:recipient", "did:key:sender"}}, contacts.allowed)
}
