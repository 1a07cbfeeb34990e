package types

import (
	"math"
	"time"
)

// Agent is a participant identified by a DID with a long-lived verification key.
type Agent struct {
	DID          string    `gorm:"primaryKey;column:did" json:"did"`
	PublicKeyB64 string    `gorm:"column:public_key" json:"public_key"`
	Address      string    `gorm:"column:address" json:"address"`
	TTLSeconds   int64     `gorm:"column:ttl_seconds" json:"ttl_seconds"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
}

func (Agent) TableName() string { return "agents" }

// Capability is a (description, embedding, tags, version, credential) tuple scoped to one agent.
type Capability struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentDID    string    `gorm:"column:agent_did;uniqueIndex:idx_agent_description" json:"agent_did"`
	Description string    `gorm:"column:description;uniqueIndex:idx_agent_description" json:"description"`
	Embedding   []float32 `gorm:"-" json:"-"` // persisted via raw SQL vector(1536) column, see store/discovery_sql.go
	Tags        []string  `gorm:"-" json:"tags"`
	TagsRaw     string    `gorm:"column:tags" json:"-"`
	Version     string    `gorm:"column:version" json:"version"`
	CredentialRef string  `gorm:"column:credential_ref" json:"credential_ref,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Capability) TableName() string { return "capabilities" }

// TrustRecord is the per-agent trust 4-vector plus aggregate score.
type TrustRecord struct {
	AgentDID    string    `gorm:"primaryKey;column:agent_did" json:"agent_did"`
	Reliability float64   `gorm:"column:reliability" json:"reliability"`
	Honesty     float64   `gorm:"column:honesty" json:"honesty"`
	Competence  float64   `gorm:"column:competence" json:"competence"`
	Timeliness  float64   `gorm:"column:timeliness" json:"timeliness"`
	DecayRate   float64   `gorm:"column:decay_rate" json:"decay_rate"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (TrustRecord) TableName() string { return "trust_scores" }

// Aggregate computes reliability*0.35 + honesty*0.35 + competence*0.20 + timeliness*0.10.
func (t TrustRecord) Aggregate() float64 {
	return t.Reliability*0.35 + t.Honesty*0.35 + t.Competence*0.20 + t.Timeliness*0.10
}

// DecayedScore applies score*rate^days_since_update, evaluated at read time.
func (t TrustRecord) DecayedScore(now time.Time) float64 {
	days := now.Sub(t.UpdatedAt).Hours() / 24
	if days <= 0 {
		return t.Aggregate()
	}
	rate := t.DecayRate
	if rate <= 0 {
		rate = 0.977
	}
	return t.Aggregate() * math.Pow(rate, days)
}

// Message is the persisted per-recipient copy of a delivered envelope.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	OwnerDID       string    `gorm:"column:owner_did;uniqueIndex:idx_owner_envelope" json:"owner_did"`
	EnvelopeID     string    `gorm:"column:envelope_id;uniqueIndex:idx_owner_envelope" json:"envelope_id"`
	FromDID        string    `gorm:"column:from_did" json:"from_did"`
	ConversationID string    `gorm:"column:conversation_id" json:"conversation_id"`
	MsgType        MsgType   `gorm:"column:msg_type" json:"msg_type"`
	PayloadJSON    string    `gorm:"column:payload" json:"payload"`
	Read           bool      `gorm:"column:read" json:"read"`
	LabelsRaw      string    `gorm:"column:labels" json:"-"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Thread is the derived aggregate of a conversation for one owning DID.
type Thread struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id" json:"conversation_id"`
	OwnerDID       string    `gorm:"primaryKey;column:owner_did" json:"owner_did"`
	ParticipantsRaw string   `gorm:"column:participants" json:"-"`
	LastMessageAt  time.Time `gorm:"column:last_message_at" json:"last_message_at"`
	MessageCount   int64     `gorm:"column:message_count" json:"message_count"`
	UnreadCount    int64     `gorm:"column:unread_count" json:"unread_count"`
}

func (Thread) TableName() string { return "threads" }

// ConsentState enumerates the contact consent lifecycle.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentBlocked ConsentState = "blocked"
)

// Contact is an (owner, peer) edge tracking consent and interaction history.
type Contact struct {
	OwnerDID        string       `gorm:"primaryKey;column:owner_did" json:"owner_did"`
	PeerDID         string       `gorm:"primaryKey;column:peer_did" json:"peer_did"`
	FirstSeenAt     time.Time    `gorm:"column:first_seen_at" json:"first_seen_at"`
	InteractionCount int64       `gorm:"column:interaction_count" json:"interaction_count"`
	Consent         ConsentState `gorm:"column:consent" json:"consent"`
}

func (Contact) TableName() string { return "contacts" }

// NegotiationState enumerates the negotiation state machine's states.
type NegotiationState string

const (
	NegInitiated      NegotiationState = "initiated"
	NegProposed       NegotiationState = "proposed"
	NegCounterPropose NegotiationState = "counter_proposed"
	NegAccepted       NegotiationState = "accepted"
	NegRejected       NegotiationState = "rejected"
	NegExpired        NegotiationState = "expired"
)

// IsSink reports whether state is a terminal state.
func (s NegotiationState) IsSink() bool {
	return s == NegAccepted || s == NegRejected || s == NegExpired
}

// Proposal is a negotiation term set: recognized numeric keys plus an open map.
type Proposal struct {
	Price          *float64          `json:"price,omitempty"`
	DeliveryTimeMS *float64          `json:"delivery_time_ms,omitempty"`
	QualitySLA     *float64          `json:"quality_sla,omitempty"`
	CustomTerms    map[string]Value  `json:"custom_terms,omitempty"`
}

// Round is one append-only entry in a negotiation's history.
type Round struct {
	RoundNumber      int       `json:"round_number"`
	ProposerDID      string    `json:"proposer_did"`
	Proposal         Proposal  `json:"proposal"`
	Timestamp        time.Time `json:"timestamp"`
	ConvergenceDelta float64   `json:"convergence_delta"`
	Terminal         bool      `json:"terminal,omitempty"`
	Rejected         bool      `json:"rejected,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// Negotiation is the persisted negotiation session.
type Negotiation struct {
	ID                string           `gorm:"primaryKey;column:id" json:"id"`
	IntentID          string           `gorm:"column:intent_id" json:"intent_id"`
	InitiatorDID      string           `gorm:"column:initiator_did" json:"initiator_did"`
	ResponderDID      string           `gorm:"column:responder_did" json:"responder_did"`
	State             NegotiationState `gorm:"column:state" json:"state"`
	MaxRounds         int              `gorm:"column:max_rounds" json:"max_rounds"`
	CreatedAt         time.Time        `gorm:"column:created_at" json:"created_at"`
	ExpiresAt         time.Time        `gorm:"column:expires_at" json:"expires_at"`
	RoundsJSON        string           `gorm:"column:rounds" json:"-"`
	CurrentProposalJSON string        `gorm:"column:current_proposal" json:"-"`
	FinalProposalJSON string           `gorm:"column:final_proposal" json:"-"`
	ConvergenceScore  float64          `gorm:"column:convergence_score" json:"convergence_score"`
	IncentiveSplitJSON string          `gorm:"column:incentive_split" json:"-"`
	ReservedCredits   int64            `gorm:"column:reserved_credits" json:"reserved_credits"`
	SettledAt         *time.Time       `gorm:"column:settled_at" json:"settled_at,omitempty"`
	Version           int64            `gorm:"column:version" json:"-"`
}

func (Negotiation) TableName() string { return "negotiations" }

// IncentiveSplit is the fractional distribution of a settlement amount; the
// four shares must sum to 1.0 within a small tolerance.
type IncentiveSplit struct {
	Agent     float64 `json:"agent"`
	Broker    float64 `json:"broker"`
	Validator float64 `json:"validator"`
	Pool      float64 `json:"pool"`
}

// CreditAccount is an agent's credit ledger account.
type CreditAccount struct {
	OwnerDID       string `gorm:"primaryKey;column:owner_did" json:"owner_did"`
	Balance        int64  `gorm:"column:balance" json:"balance"`
	Reserved       int64  `gorm:"column:reserved" json:"reserved"`
	LifetimeEarned int64  `gorm:"column:lifetime_earned" json:"lifetime_earned"`
	LifetimeSpent  int64  `gorm:"column:lifetime_spent" json:"lifetime_spent"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// LedgerEntryType enumerates the ledger transition kinds.
type LedgerEntryType string

const (
	LedgerDeposit LedgerEntryType = "deposit"
	LedgerReserve LedgerEntryType = "reserve"
	LedgerRelease LedgerEntryType = "release"
	LedgerEarn    LedgerEntryType = "earn"
	LedgerSpend   LedgerEntryType = "spend"
)

// LedgerEntry is an append-only ledger journal row.
type LedgerEntry struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerDID  string          `gorm:"column:owner_did" json:"owner_did"`
	Type      LedgerEntryType `gorm:"column:type" json:"type"`
	Amount    int64           `gorm:"column:amount" json:"amount"`
	IntentID  string          `gorm:"column:intent_id" json:"intent_id,omitempty"`
	ProofID   string          `gorm:"column:proof_id" json:"proof_id,omitempty"`
	At        time.Time       `gorm:"column:at" json:"at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// PaymentState enumerates payment request lifecycle states.
type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
	PaymentExpired PaymentState = "expired"
	PaymentFailed  PaymentState = "failed"
)

// PaymentRequest is a pluggable-provider payment intent.
type PaymentRequest struct {
	ID           string       `gorm:"primaryKey;column:id" json:"id"`
	OwnerDID     string       `gorm:"column:owner_did" json:"owner_did"`
	AmountAtomic int64        `gorm:"column:amount_atomic" json:"amount_atomic"`
	Currency     string       `gorm:"column:currency" json:"currency"`
	Method       string       `gorm:"column:method" json:"method"`
	State        PaymentState `gorm:"column:state" json:"state"`
	ExpiresAt    time.Time    `gorm:"column:expires_at" json:"expires_at"`
	PaymentURL   string       `gorm:"column:payment_url" json:"payment_url"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (PaymentRequest) TableName() string { return "payment_requests" }

// PaymentReceipt records a provider webhook callback against a request.
type PaymentReceipt struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID     string    `gorm:"column:request_id;index" json:"request_id"`
	Provider      string    `gorm:"column:provider" json:"provider"`
	ProviderRef   string    `gorm:"column:provider_ref" json:"provider_ref"`
	Success       bool      `gorm:"column:success" json:"success"`
	ReceivedAt    time.Time `gorm:"column:received_at" json:"received_at"`
}

func (PaymentReceipt) TableName() string { return "payment_receipts" }

// WorkType enumerates usefulness proof categories.
type WorkType string

const (
	WorkCompute    WorkType = "compute"
	WorkMemory     WorkType = "memory"
	WorkRouting    WorkType = "routing"
	WorkLearning   WorkType = "learning"
	WorkValidation WorkType = "validation"
)

// UsefulnessProof is an immutable signed record of work with metrics.
type UsefulnessProof struct {
	ID               string    `gorm:"primaryKey;column:id" json:"id"`
	IntentID         string    `gorm:"column:intent_id" json:"intent_id"`
	AgentDID         string    `gorm:"column:agent_did" json:"agent_did"`
	WorkType         WorkType  `gorm:"column:work_type" json:"work_type"`
	MetricsJSON      string    `gorm:"column:metrics" json:"metrics"`
	AttestationsJSON string    `gorm:"column:attestations" json:"attestations"`
	TraceID          string    `gorm:"column:trace_id" json:"trace_id"`
	UsefulnessScore  float64   `gorm:"column:usefulness_score" json:"usefulness_score"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

func (UsefulnessProof) TableName() string { return "usefulness_proofs" }

// ReceiptStatus enumerates task receipt lifecycle states.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptFinalized ReceiptStatus = "finalized"
	ReceiptDisputed  ReceiptStatus = "disputed"
)

// AttestationType enumerates committee attestation outcome categories.
type AttestationType string

const (
	AttestAccepted   AttestationType = "ACCEPTED"
	AttestRejected   AttestationType = "REJECTED"
	AttestAuditPass  AttestationType = "AUDIT_PASS"
	AttestAuditFail  AttestationType = "AUDIT_FAIL"
)

// Attestation is a single committee or client signed judgment.
type Attestation struct {
	ByDID       string          `json:"by_did"`
	Type        AttestationType `json:"type"`
	Score       float64         `json:"score"`
	Confidence  float64         `json:"confidence"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Signature   string          `json:"signature"`
}

// TaskReceipt is the settlement record finalized by committee attestation.
type TaskReceipt struct {
	ID             string        `gorm:"primaryKey;column:id" json:"id"`
	NegotiationID  string        `gorm:"column:negotiation_id" json:"negotiation_id"`
	AgentDID       string        `gorm:"column:agent_did" json:"agent_did"`
	ClientDID      string        `gorm:"column:client_did" json:"client_did"`
	K              int           `gorm:"column:k" json:"k"`
	M              int           `gorm:"column:m" json:"m"`
	CommitteeRaw   string        `gorm:"column:committee" json:"-"`
	AttestationsRaw string       `gorm:"column:attestations" json:"-"`
	Status         ReceiptStatus `gorm:"column:status" json:"status"`
	FinalizedAt    *time.Time    `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"created_at"`
}

func (TaskReceipt) TableName() string { return "task_receipts" }

// Reputation is an agent's multi-dimensional reputation, updated by EMA on finalization.
type Reputation struct {
	AgentDID  string    `gorm:"primaryKey;column:agent_did" json:"agent_did"`
	Q         float64   `gorm:"column:q" json:"q"`
	T         float64   `gorm:"column:t" json:"t"`
	R         float64   `gorm:"column:r" json:"r"`
	S         float64   `gorm:"column:s" json:"s"`
	V         float64   `gorm:"column:v" json:"v"`
	I         float64   `gorm:"column:i" json:"i"`
	E         float64   `gorm:"column:e" json:"e"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Reputation) TableName() string { return "reputation" }

// UsefulnessCache is the per-agent cached usefulness score discovery reads,
// refreshed by the aggregator's cron job (§4.13) instead of live proofs.
type UsefulnessCache struct {
	AgentDID  string    `gorm:"primaryKey;column:agent_did" json:"agent_did"`
	Score     float64   `gorm:"column:score" json:"score"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UsefulnessCache) TableName() string { return "usefulness_cache" }

