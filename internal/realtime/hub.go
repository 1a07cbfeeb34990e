// Package realtime implements the real-time delivery fabric (§4.15): a
// process-local session registry keyed by DID, bridged to the durable
// stream so that a connecting agent's unacked backlog replays and new
// deliveries push immediately. Back-pressure on a slow client is a bounded,
// drop-oldest channel per session, per the teacher's channel-based
// notification fan-out idiom.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// sendBufferSize bounds the per-session outbound queue; on overflow the
// oldest queued notification is dropped in favor of the newest.
const sendBufferSize = 64

// Notification is the JSON frame pushed to a connected session. The two
// shapes from §4.15 share one struct with omitempty fields rather than a
// tagged union, since both are small and JSON-stable.
type Notification struct {
	Type             string  `json:"type"`
	MessageID        string  `json:"message_id,omitempty"`
	ConversationID   string  `json:"conversation_id,omitempty"`
	FromDID          string  `json:"from_did,omitempty"`
	Event            string  `json:"event,omitempty"`
	NegotiationID    string  `json:"negotiation_id,omitempty"`
	State            string  `json:"state,omitempty"`
	CurrentProposal  string  `json:"current_proposal,omitempty"`
	RoundNumber      int     `json:"round_number,omitempty"`
	ConvergenceScore float64 `json:"convergence_score,omitempty"`
}

// Session is one live connection for a DID; an agent may hold several.
type Session struct {
	did  string
	send chan []byte
	done chan struct{}
}

// Send returns the channel the write loop drains.
func (s *Session) Send() <-chan []byte { return s.send }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Hub is the process-local session registry.
type Hub struct {
	mu       sync.Mutex
	sessions map[string][]*Session
	log      *slog.Logger
}

// NewHub constructs an empty Hub.
func NewHub() *Hub { return &Hub{sessions: map[string][]*Session{}, log: slog.Default()} }

// Register creates and tracks a new session for did.
func (h *Hub) Register(did string) *Session {
	sess := &Session{did: did, send: make(chan []byte, sendBufferSize), done: make(chan struct{})}
	h.mu.Lock()
	h.sessions[did] = append(h.sessions[did], sess)
	h.mu.Unlock()
	return sess
}

// Unregister removes sess and closes its done channel.
func (h *Hub) Unregister(sess *Session) {
	h.mu.Lock()
	list := h.sessions[sess.did]
	for i, s := range list {
		if s == sess {
			h.sessions[sess.did] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.sessions[sess.did]) == 0 {
		delete(h.sessions, sess.did)
	}
	h.mu.Unlock()
	close(sess.done)
}

// HasSession reports whether did has at least one live connection.
func (h *Hub) HasSession(did string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[did]) > 0
}

// Push delivers notif to the first live session for did, returning false
// if no session is currently connected (the caller relies on the durable
// stream to redeliver once one connects).
func (h *Hub) Push(did string, notif Notification) bool {
	data, err := json.Marshal(notif)
	if err != nil {
		return false
	}
	h.mu.Lock()
	sessions := h.sessions[did]
	var target *Session
	if len(sessions) > 0 {
		target = sessions[0]
	}
	h.mu.Unlock()
	if target == nil {
		return false
	}
	if dropped := sendDropOldest(target.send, data); dropped {
		h.log.Warn("realtime notification channel full, dropped oldest", "recipient_did", did, "type", notif.Type)
	}
	return true
}

// sendDropOldest enqueues data, dropping the oldest queued frame first if
// the channel is full, reporting whether a drop occurred.
func sendDropOldest(ch chan []byte, data []byte) bool {
	select {
	case ch <- data:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
	return true
}
