package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/ainp-network/broker/internal/streamadapter"
)

// StreamSource is the subset of streamadapter.Adapter the bridge needs;
// narrowed to an interface so it can be faked in tests.
type StreamSource interface {
	Consume(ctx context.Context, kind streamadapter.StreamKind, recipientDID string, count int64) ([]streamadapter.Delivery, error)
	Ack(ctx context.Context, kind streamadapter.StreamKind, recipientDID, streamID string) error
}

// consumeBatch is how many durable-stream entries are pulled per Consume call.
const consumeBatch = 10

// Bridge drains each connected DID's durable-stream backlog into its Hub
// session, so a reconnecting agent replays everything it missed and then
// receives new deliveries as they are acked off the stream.
type Bridge struct {
	hub    *Hub
	stream StreamSource
	log    *slog.Logger
}

// NewBridge constructs a Bridge.
func NewBridge(hub *Hub, stream StreamSource, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{hub: hub, stream: stream, log: log}
}

// Run pumps both the intents and negotiations streams for did into sess
// until ctx is canceled. It is started once per connected session.
func (b *Bridge) Run(ctx context.Context, did string) {
	done := make(chan struct{}, 2)
	go func() { b.pump(ctx, streamadapter.StreamIntents, did); done <- struct{}{} }()
	go func() { b.pump(ctx, streamadapter.StreamNegotiations, did); done <- struct{}{} }()
	<-done
	<-done
}

func (b *Bridge) pump(ctx context.Context, kind streamadapter.StreamKind, did string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		deliveries, err := b.stream.Consume(ctx, kind, did, consumeBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("realtime bridge consume failed", "kind", kind, "did", did, "error", err)
			continue
		}
		for _, d := range deliveries {
			notif := notificationFromFields(d.Fields)
			b.hub.Push(did, notif)
			if err := b.stream.Ack(ctx, kind, did, d.StreamID); err != nil {
				b.log.Warn("realtime bridge ack failed", "kind", kind, "did", did, "error", err)
			}
		}
	}
}

// notificationFromFields reconstructs a Notification from the flattened
// string fields a publisher wrote to the durable stream.
func notificationFromFields(fields map[string]string) Notification {
	n := Notification{
		Type:            fields["type"],
		MessageID:       fields["message_id"],
		ConversationID:  fields["conversation_id"],
		FromDID:         fields["from_did"],
		Event:           fields["event"],
		NegotiationID:   fields["negotiation_id"],
		State:           fields["state"],
		CurrentProposal: fields["current_proposal"],
	}
	if v, err := strconv.Atoi(fields["round_number"]); err == nil {
		n.RoundNumber = v
	}
	if v, err := strconv.ParseFloat(fields["convergence_score"], 64); err == nil {
		n.ConvergenceScore = v
	}
	return n
}

// FieldsFromNotification flattens a Notification into the string map shape
// streamadapter.Publish expects, the inverse of notificationFromFields.
func FieldsFromNotification(n Notification) map[string]string {
	fields := map[string]string{"type": n.Type}
	if n.MessageID != "" {
		fields["message_id"] = n.MessageID
	}
	if n.ConversationID != "" {
		fields["conversation_id"] = n.ConversationID
	}
	if n.FromDID != "" {
		fields["from_did"] = n.FromDID
	}
	if n.Event != "" {
		fields["event"] = n.Event
	}
	if n.NegotiationID != "" {
		fields["negotiation_id"] = n.NegotiationID
	}
	if n.State != "" {
		fields["state"] = n.State
	}
	if n.CurrentProposal != "" {
		fields["current_proposal"] = n.CurrentProposal
	}
	if n.RoundNumber != 0 {
		fields["round_number"] = strconv.Itoa(n.RoundNumber)
	}
	if n.ConvergenceScore != 0 {
		fields["convergence_score"] = strconv.FormatFloat(n.ConvergenceScore, 'f', -1, 64)
	}
	return fields
}

// MarshalProposal is a small helper for callers building a negotiation_event
// notification, keeping the current proposal as compact JSON text.
func MarshalProposal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
