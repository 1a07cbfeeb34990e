// Package intents implements the intent routing pipeline (§4.9): the
// ordered guard stack every inbound envelope runs through exactly once,
// short-circuiting on the first failure, followed by unicast or
// discovery-fanned-out broadcast dispatch.
package intents

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/cacheadapter"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/realtime"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/streamadapter"
	"github.com/ainp-network/broker/internal/types"
)

// Identity is the subset of identity.Validator the router needs.
type Identity interface {
	Verify(env types.Envelope, assertedDID string) ([]byte, *apperr.Error)
}

// AntiFraud is the subset of antifraud.Guard the router needs.
type AntiFraud interface {
	CheckReplay(ctx context.Context, env types.Envelope) *apperr.Error
	CheckContentDedupe(ctx context.Context, fromDID, toDID, body string) *apperr.Error
	CheckGreylist(ctx context.Context, owner, peer string) (antifraud.GreylistDecision, *apperr.Error)
	PayPostage(ctx context.Context, fromDID, toDID, envelopeID string) *apperr.Error
}

// RateLimiter is the subset of cacheadapter.Adapter the router needs.
type RateLimiter interface {
	SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) cacheadapter.WindowResult
}

// Discovery is the subset of discovery.Engine the router needs for broadcast
// fan-out.
type Discovery interface {
	Search(ctx context.Context, q discovery.Query) ([]discovery.Result, *apperr.Error)
}

// Stream is the subset of streamadapter.Adapter the router needs.
type Stream interface {
	Publish(ctx context.Context, kind streamadapter.StreamKind, recipientOrID, senderDID, messageID string, fields map[string]string) error
}

// Mailbox is the subset of mailbox.Store the router needs.
type Mailbox interface {
	StoreMessage(ctx context.Context, in store.StoreInput) *apperr.Error
}

// Contacts is the subset of contacts.Service the router needs.
type Contacts interface {
	RecordInteraction(ctx context.Context, owner, peer string) *apperr.Error
	Allow(ctx context.Context, owner, peer string) *apperr.Error
}

// Hub is the subset of realtime.Hub the router needs to nudge a live session.
type Hub interface {
	Push(did string, notif realtime.Notification) bool
}

// Router is the intent routing pipeline component.
type Router struct {
	identity  Identity
	antifraud AntiFraud
	limiter   RateLimiter
	discovery Discovery
	stream    Stream
	mailbox   Mailbox
	contacts  Contacts
	hub       Hub
	flags     config.FeatureFlags
	rate      config.RateLimits
	fanout    int
	metrics   *metrics.Registry
}

// New constructs a Router. metricsReg may be nil (tests).
func New(identity Identity, af AntiFraud, limiter RateLimiter, disc Discovery, stream Stream, mailbox Mailbox, contacts Contacts, hub Hub, flags config.FeatureFlags, rate config.RateLimits, fanout int, metricsReg *metrics.Registry) *Router {
	if fanout <= 0 {
		fanout = 5
	}
	return &Router{identity: identity, antifraud: af, limiter: limiter, discovery: disc, stream: stream, mailbox: mailbox, contacts: contacts, hub: hub, flags: flags, rate: rate, fanout: fanout, metrics: metricsReg}
}

// Result is the outcome of a successful Send.
type Result struct {
	Status      string
	AgentCount  int
	// Degraded reflects WindowResult.Degraded from the rate limiter: the
	// request was allowed because Redis was unreachable, not because it was
	// genuinely under the limit.
	Degraded bool
}

// Send runs the ordered guard stack against env and dispatches it, per §4.9.
// assertedDID is the caller's authenticated identity (may be empty);
// clientIP is used as the rate-limit key when assertedDID is empty.
func (r *Router) Send(ctx context.Context, env types.Envelope, assertedDID, clientIP string) (Result, *apperr.Error) {
	if !r.flags.MessagingEnabled {
		return Result{}, apperr.ErrFeatureDisabled
	}

	if _, err := r.identity.Verify(env, assertedDID); err != nil {
		return Result{}, err
	}

	if err := r.antifraud.CheckReplay(ctx, env); err != nil {
		return Result{}, err
	}

	if env.MsgType == types.MsgEmailMessage {
		if err := r.runEmailGuard(ctx, env); err != nil {
			return Result{}, err
		}
	}

	scope := "agent"
	limitKey := "ratelimit:" + env.FromDID
	if assertedDID == "" {
		scope = "ip"
		limitKey = "ratelimit:ip:" + clientIP
	}
	limit := r.rate.RequestsPerMinute
	window := r.rate.Window
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	wr := r.limiter.SlidingWindowAllow(ctx, limitKey, limit, window)
	if !wr.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimitRejected.WithLabelValues(scope).Inc()
		}
		retry := apperr.New(apperr.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
		retry.RetryAfterSeconds = int(time.Until(wr.ResetAt).Seconds())
		if retry.RetryAfterSeconds < 1 {
			retry.RetryAfterSeconds = 1
		}
		return Result{}, retry
	}

	recipients, err := r.recipients(ctx, env)
	if err != nil {
		return Result{}, err
	}

	for _, to := range recipients {
		if derr := r.deliverOne(ctx, env, to); derr != nil {
			return Result{}, derr
		}
	}

	dispatch := "unicast"
	if env.IsBroadcast() {
		dispatch = "broadcast"
	}
	if r.metrics != nil {
		r.metrics.IntentsRouted.WithLabelValues(dispatch).Inc()
	}
	return Result{Status: "routed", AgentCount: len(recipients), Degraded: wr.Degraded}, nil
}

// runEmailGuard implements §4.8.2-4.8.4 for email-typed payloads.
func (r *Router) runEmailGuard(ctx context.Context, env types.Envelope) *apperr.Error {
	body := ""
	if m, ok := env.Payload.AsMap(); ok {
		if b, ok := m["body"].AsString(); ok {
			body = b
		}
	}
	if err := r.antifraud.CheckContentDedupe(ctx, env.FromDID, env.ToDID, body); err != nil {
		return err
	}

	decision, err := r.antifraud.CheckGreylist(ctx, env.ToDID, env.FromDID)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	if r.flags.GreylistBypassPaymentEnabled {
		if perr := r.antifraud.PayPostage(ctx, env.FromDID, env.ToDID, env.ID); perr != nil {
			return perr
		}
		return r.contacts.Allow(ctx, env.ToDID, env.FromDID)
	}
	greylisted := apperr.New(apperr.CodeGreylisted, http.StatusTooEarly, "recipient requires consent before first contact")
	greylisted.RetryAfterSeconds = int(decision.RetryAfter.Seconds())
	return greylisted
}

// recipients resolves the dispatch target list: the explicit to_did for a
// unicast, or the top-N discovery hits for a broadcast.
func (r *Router) recipients(ctx context.Context, env types.Envelope) ([]string, *apperr.Error) {
	if !env.IsBroadcast() {
		return []string{env.ToDID}, nil
	}
	description, _ := env.Payload.AsMap()
	query := discovery.Query{CombinedRank: true}
	if body, ok := description["description"]; ok {
		if s, ok := body.AsString(); ok {
			query.Description = s
		}
	}
	results, err := r.discovery.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	n := r.fanout
	if n > len(results) {
		n = len(results)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, results[i].AgentDID)
	}
	return out, nil
}

// deliverOne publishes to the durable stream, persists the mailbox record,
// records the contact interaction, and nudges a live session, for a single
// resolved recipient.
func (r *Router) deliverOne(ctx context.Context, env types.Envelope, to string) *apperr.Error {
	payloadJSON, merr := env.Payload.MarshalJSON()
	if merr != nil {
		return apperr.Internal(merr)
	}

	fields := map[string]string{
		"type":            "new_message",
		"message_id":      env.ID,
		"conversation_id": conversationID(env.FromDID, to),
		"envelope_id":     env.ID,
		"from_did":        env.FromDID,
		"msg_type":        string(env.MsgType),
		"payload":         string(payloadJSON),
	}
	if err := r.stream.Publish(ctx, streamadapter.StreamIntents, to, env.FromDID, env.ID, fields); err != nil {
		return apperr.Internal(err)
	}

	if err := r.mailbox.StoreMessage(ctx, store.StoreInput{
		OwnerDID:       to,
		EnvelopeID:     env.ID,
		FromDID:        env.FromDID,
		ConversationID: conversationID(env.FromDID, to),
		MsgType:        env.MsgType,
		PayloadJSON:    string(payloadJSON),
	}); err != nil {
		return err
	}

	if err := r.contacts.RecordInteraction(ctx, to, env.FromDID); err != nil {
		return err
	}

	r.hub.Push(to, realtime.Notification{
		Type:           "new_message",
		MessageID:      env.ID,
		ConversationID: conversationID(env.FromDID, to),
		FromDID:        env.FromDID,
	})
	return nil
}

// conversationID derives a stable, order-independent thread id for a pair of
// DIDs, matching the teacher's canonical-pair-key idiom used for contacts.
func conversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}
