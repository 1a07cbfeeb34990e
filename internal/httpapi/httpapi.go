// Package httpapi exposes the broker's inbound JSON surface (§6): one chi
// router mounting agent directory, discovery, intent routing, negotiation,
// mailbox, usefulness, and payment endpoints over the typed-error service
// packages, plus liveness/readiness and the realtime websocket upgrade.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ainp-network/broker/internal/agents"
	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/intents"
	"github.com/ainp-network/broker/internal/mailbox"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/payments"
	"github.com/ainp-network/broker/internal/reputation"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
	"github.com/ainp-network/broker/internal/usefulness"
)

// Ready reports per-dependency health for /health/ready.
type Ready interface {
	Ping() error
}

// Config captures the server's collaborators.
type Config struct {
	Agents            *agents.Service
	Discovery         *discovery.Engine
	Intents           *intents.Router
	Negotiation       *negotiation.Engine
	Mailbox           *mailbox.Store
	Usefulness        *usefulness.Aggregator
	Reputation        *reputation.Engine
	Payments          *payments.Service
	Realtime          http.Handler
	Flags             config.FeatureFlags
	NegotiationConfig config.NegotiationConfig
	Store             Ready
	Cache             Ready
	Stream            Ready
	NewID             func() string
}

// Server is the broker's HTTP API.
type Server struct {
	cfg    Config
	router http.Handler
}

// New builds a configured Server.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)

	r.Route("/api", func(api chi.Router) {
		api.Route("/agents", func(r chi.Router) {
			r.Post("/register", s.registerAgent)
			r.Get("/{did}", s.getAgent)
		})

		api.Post("/discovery/search", s.searchDiscovery)

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.MessagingEnabled })).
			Post("/intents/send", s.sendIntent)

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.NegotiationEnabled })).
			Route("/negotiations", func(r chi.Router) {
				r.Post("/", s.createNegotiation)
				r.Get("/", s.listNegotiations)
				r.Post("/{id}/propose", s.proposeNegotiation)
				r.Post("/{id}/accept", s.acceptNegotiation)
				r.Post("/{id}/reject", s.rejectNegotiation)
				r.Post("/{id}/settle", s.settleNegotiation)
			})

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.NegotiationEnabled })).
			Route("/receipts", func(r chi.Router) {
				r.Get("/{id}", s.getReceipt)
				r.Post("/{id}/attestations", s.addAttestation)
			})

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.MessagingEnabled })).
			Route("/mail", func(r chi.Router) {
				r.Get("/inbox", s.mailInbox)
				r.Get("/threads/{conversation_id}", s.mailThread)
				r.Post("/read", s.mailMarkRead)
				r.Post("/label", s.mailLabel)
			})

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.UsefulnessAggregationEnabled })).
			Route("/usefulness", func(r chi.Router) {
				r.Post("/proofs", s.submitUsefulnessProof)
				r.Get("/agents/{did}", s.getUsefulnessScore)
			})

		api.With(s.requireFlag(func(f config.FeatureFlags) bool { return f.PaymentsEnabled })).
			Route("/payments", func(r chi.Router) {
				r.Post("/requests", s.createPaymentRequest)
				r.Post("/webhooks/{provider}", s.paymentWebhook)
			})
	})

	if s.cfg.Realtime != nil {
		r.Handle("/ws", s.cfg.Realtime)
	}

	return r
}

// requireFlag gates a route group behind a feature flag predicate,
// returning 503 per §6's "a disabled flag returns 503 on its routes".
func (s *Server) requireFlag(enabled func(config.FeatureFlags) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled(s.cfg.Flags) {
				writeError(w, apperr.ErrFeatureDisabled)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{"database": "ok", "cache": "ok", "stream": "ok"}
	allOK := true
	for name, dep := range map[string]Ready{"database": s.cfg.Store, "cache": s.cfg.Cache, "stream": s.cfg.Stream} {
		if dep == nil {
			continue
		}
		if err := dep.Ping(); err != nil {
			deps[name] = "unavailable"
			allOK = false
		}
	}
	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, deps)
}

// --- agents ---

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID          string `json:"did"`
		PublicKeyB64 string `json:"public_key"`
		Address      string `json:"address"`
		TTLSeconds   int64  `json:"ttl"`
		Capabilities []struct {
			Description   string    `json:"description"`
			Embedding     []float32 `json:"embedding,omitempty"`
			Tags          []string  `json:"tags,omitempty"`
			Version       string    `json:"version,omitempty"`
			CredentialRef string    `json:"credential_ref,omitempty"`
		} `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	caps := make([]store.CapabilityInput, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, store.CapabilityInput{
			Description: c.Description, Embedding: c.Embedding, Tags: c.Tags,
			Version: c.Version, CredentialRef: c.CredentialRef,
		})
	}
	if err := s.cfg.Agents.Register(r.Context(), agents.RegisterInput{
		DID: req.DID, PublicKeyB64: req.PublicKeyB64, Address: req.Address,
		TTLSeconds: req.TTLSeconds, Capabilities: caps,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "did": req.DID})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	view, err := s.cfg.Agents.Get(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- discovery ---

func (s *Server) searchDiscovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description  string   `json:"description"`
		Tags         []string `json:"tags,omitempty"`
		MinTrust     *float64 `json:"min_trust,omitempty"`
		MaxLatencyMS *float64 `json:"max_latency_ms,omitempty"`
		MaxCost      *float64 `json:"max_cost,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	results, err := s.cfg.Discovery.Search(r.Context(), discovery.Query{
		Description: req.Description, Tags: req.Tags, MinTrust: req.MinTrust,
		MaxLatencyMS: req.MaxLatencyMS, MaxCost: req.MaxCost, CombinedRank: s.cfg.Flags.Web4PoUDiscoveryEnabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- intents ---

func (s *Server) sendIntent(w http.ResponseWriter, r *http.Request) {
	var env types.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid envelope"))
		return
	}
	assertedDID := r.Header.Get("X-AINP-DID")
	result, err := s.cfg.Intents.Send(r.Context(), env, assertedDID, r.RemoteAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Degraded {
		w.Header().Set("X-AINP-Rate-Limit-Degraded", "true")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": result.Status, "agent_count": result.AgentCount})
}

// --- negotiations ---

func (s *Server) createNegotiation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID     string         `json:"intent_id"`
		InitiatorDID string         `json:"initiator_did"`
		ResponderDID string         `json:"responder_did"`
		Proposal     types.Proposal `json:"proposal"`
		MaxRounds    int            `json:"max_rounds"`
		TTLMinutes   int            `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.MaxRounds == 0 {
		req.MaxRounds = s.cfg.NegotiationConfig.DefaultMaxRounds
	}
	n, err := s.cfg.Negotiation.Initiate(r.Context(), req.IntentID, req.InitiatorDID, req.ResponderDID, req.Proposal, req.MaxRounds, req.TTLMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		AgentDID: r.URL.Query().Get("agent_did"),
		State:    types.NegotiationState(r.URL.Query().Get("state")),
	}
	out, err := s.cfg.Negotiation.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) proposeNegotiation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ProposerDID string         `json:"proposer_did"`
		Proposal    types.Proposal `json:"proposal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	n, err := s.cfg.Negotiation.Propose(r.Context(), id, req.ProposerDID, req.Proposal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) acceptNegotiation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		AcceptorDID string `json:"acceptor_did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	n, err := s.cfg.Negotiation.Accept(r.Context(), id, req.AcceptorDID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) rejectNegotiation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		RejectorDID string `json:"rejector_did"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	n, err := s.cfg.Negotiation.Reject(r.Context(), id, req.RejectorDID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) settleNegotiation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ValidatorDID string              `json:"validator_did"`
		ProofID      string              `json:"proof_id"`
		Split        types.IncentiveSplit `json:"split"`
		BrokerDID    string              `json:"broker_did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	n, err := s.cfg.Negotiation.Settle(r.Context(), id, req.ValidatorDID, req.ProofID, req.Split, req.BrokerDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.Reputation != nil {
		receipt, rerr := s.cfg.Reputation.CreateReceipt(r.Context(), n.ID, n.ResponderDID, n.InitiatorDID, 0, 0)
		if rerr != nil {
			writeError(w, rerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"negotiation": n, "receipt": receipt})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// --- receipts ---

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	receipt, err := s.cfg.Reputation.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) addAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var att types.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	receipt, err := s.cfg.Reputation.AddAttestation(r.Context(), id, att)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- mailbox ---

func (s *Server) mailInbox(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_did")
	opts := store.ListInboxOptions{
		Cursor:     r.URL.Query().Get("cursor"),
		Label:      r.URL.Query().Get("label"),
		UnreadOnly: r.URL.Query().Get("unread_only") == "true",
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		opts.Limit = limit
	}
	page, err := s.cfg.Mailbox.ListInbox(r.Context(), owner, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) mailThread(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_did")
	conversationID := chi.URLParam(r, "conversation_id")
	thread, msgs, err := s.cfg.Mailbox.GetThread(r.Context(), owner, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": thread, "messages": msgs})
}

func (s *Server) mailMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerDID  string `json:"owner_did"`
		MessageID uint64 `json:"message_id"`
		Read      bool   `json:"read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	if err := s.cfg.Mailbox.MarkRead(r.Context(), req.OwnerDID, req.MessageID, req.Read); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) mailLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerDID  string   `json:"owner_did"`
		MessageID uint64   `json:"message_id"`
		Add       []string `json:"add,omitempty"`
		Remove    []string `json:"remove,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	if err := s.cfg.Mailbox.Label(r.Context(), req.OwnerDID, req.MessageID, store.LabelDelta{Add: req.Add, Remove: req.Remove}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- usefulness ---

func (s *Server) submitUsefulnessProof(w http.ResponseWriter, r *http.Request) {
	var p types.UsefulnessProof
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	if p.ID == "" && s.cfg.NewID != nil {
		p.ID = s.cfg.NewID()
	}
	if err := s.cfg.Usefulness.SubmitProof(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted", "id": p.ID})
}

func (s *Server) getUsefulnessScore(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	overall, byType, err := s.cfg.Usefulness.Score(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_did": did, "score": overall, "by_work_type": byType})
}

// --- payments ---

func (s *Server) createPaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerDID     string `json:"owner_did"`
		AmountAtomic int64  `json:"amount_atomic"`
		Currency     string `json:"currency"`
		Method       string `json:"method"`
		PaymentURL   string `json:"payment_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	pr, err := s.cfg.Payments.CreateRequest(r.Context(), payments.CreateInput{
		OwnerDID: req.OwnerDID, AmountAtomic: req.AmountAtomic, Currency: req.Currency,
		Method: req.Method, PaymentURL: req.PaymentURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`AINP-Pay realm="ainp", request_id="%s", method="%s"`, pr.ID, pr.Method))
	if pr.PaymentURL != "" {
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="payment"`, pr.PaymentURL))
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req struct {
		RequestID   string `json:"request_id"`
		ProviderRef string `json:"provider_ref"`
		Success     bool   `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, http.StatusBadRequest, "invalid request body"))
		return
	}
	if err := s.cfg.Payments.Webhook(r.Context(), req.RequestID, provider, req.ProviderRef, req.Success); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an *apperr.Error onto the HTTP response, adding the
// challenge/retry headers §7 requires for 402/425/429.
func writeError(w http.ResponseWriter, err error) {
	ae := apperr.As(err)
	if ae == nil {
		ae = apperr.Internal(err)
	}
	if ae.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfterSeconds))
	}
	if ae.Code == apperr.CodePayment {
		w.Header().Set("WWW-Authenticate", `AINP-Pay realm="ainp"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(ae.Code), "message": ae.Message})
}
