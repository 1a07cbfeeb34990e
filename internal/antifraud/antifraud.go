// Package antifraud implements the four independent anti-fraud sub-checks
// from §4.8: replay rejection, content dedupe, greylisting, and postage.
package antifraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/types"
)

// Cache is the subset of the cache adapter antifraud needs.
type Cache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (created bool, degraded bool)
}

// Contacts is the subset of the contacts service antifraud needs.
type Contacts interface {
	Get(ctx context.Context, owner, peer string) (types.Contact, bool, *apperr.Error)
}

// Ledger is the subset of the credit ledger antifraud needs for postage.
type Ledger interface {
	Spend(ctx context.Context, did string, amount int64, intentID string) *apperr.Error
}

// Guard runs the four anti-fraud sub-checks, each independently feature-flagged.
type Guard struct {
	cache    Cache
	contacts Contacts
	ledger   Ledger
	cfg      config.AntiFraudConfig
	metrics  *metrics.Registry
}

// New constructs a Guard. metricsReg may be nil (tests).
func New(cache Cache, contacts Contacts, ledger Ledger, cfg config.AntiFraudConfig, metricsReg *metrics.Registry) *Guard {
	return &Guard{cache: cache, contacts: contacts, ledger: ledger, cfg: cfg, metrics: metricsReg}
}

func (g *Guard) countDenied(reason string) {
	if g.metrics != nil {
		g.metrics.AntiFraudDenied.WithLabelValues(reason).Inc()
	}
}

// CheckReplay implements §4.8.1: key = envelope.id|from_did|trace_id, TTL 5 minutes.
func (g *Guard) CheckReplay(ctx context.Context, env types.Envelope) *apperr.Error {
	key := fmt.Sprintf("replay:%s|%s|%s", env.ID, env.FromDID, env.TraceID)
	created, _ := g.cache.SetNX(ctx, key, "1", g.cfg.ReplayWindow)
	if !created {
		g.countDenied("replay")
		return apperr.ErrDuplicateEnvelope
	}
	return nil
}

// CheckContentDedupe implements §4.8.2 for email-typed payloads: key =
// sha256(from|to|normalized_body).
func (g *Guard) CheckContentDedupe(ctx context.Context, fromDID, toDID, body string) *apperr.Error {
	normalized := strings.Join(strings.Fields(strings.ToLower(body)), " ")
	sum := sha256.Sum256([]byte(fromDID + "|" + toDID + "|" + normalized))
	key := "content-dedupe:" + hex.EncodeToString(sum[:])
	created, _ := g.cache.SetNX(ctx, key, "1", g.cfg.ContentDedupeWindow)
	if !created {
		g.countDenied("content_dedupe")
		return apperr.ErrDuplicateContent
	}
	return nil
}

// GreylistDecision is the outcome of the greylist check.
type GreylistDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckGreylist implements §4.8.3: only a peer with explicit allowed consent
// passes; unknown and blocked peers are both greylisted.
func (g *Guard) CheckGreylist(ctx context.Context, owner, peer string) (GreylistDecision, *apperr.Error) {
	if !g.cfg.GreylistEnabled {
		return GreylistDecision{Allowed: true}, nil
	}
	contact, exists, err := g.contacts.Get(ctx, owner, peer)
	if err != nil {
		return GreylistDecision{}, err
	}
	if !exists {
		g.countDenied("greylist")
		return GreylistDecision{Allowed: false, RetryAfter: g.cfg.GreylistRetryAfter}, nil
	}
	switch contact.Consent {
	case types.ConsentAllowed:
		return GreylistDecision{Allowed: true}, nil
	default:
		g.countDenied("greylist")
		return GreylistDecision{Allowed: false, RetryAfter: g.cfg.GreylistRetryAfter}, nil
	}
}

// PayPostage implements §4.8.4: the sender pre-spends the configured amount
// to bypass a greylist denial.
func (g *Guard) PayPostage(ctx context.Context, fromDID, toDID, envelopeID string) *apperr.Error {
	return g.ledger.Spend(ctx, fromDID, g.cfg.PostageAmount, envelopeID)
}
