package realtime_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ainp-network/broker/internal/realtime"
)

func TestPushDeliversToFirstLiveSession(t *testing.T) {
	hub := realtime.NewHub()
	first := hub.Register("did:key:a")
	second := hub.Register("did:key:a")

	delivered := hub.Push("did:key:a", realtime.Notification{Type: "new_message", MessageID: "m1"})
	require.True(t, delivered)

	select {
	case payload := <-first.Send():
		var n realtime.Notification
		require.NoError(t, json.Unmarshal(payload, &n))
		require.Equal(t, "m1", n.MessageID)
	default:
		t.Fatal("expected the first session to receive the notification")
	}

	select {
	case <-second.Send():
		t.Fatal("second session should not receive a notification delivered to the first")
	default:
	}
}

func TestPushReturnsFalseWithNoLiveSession(t *testing.T) {
	hub := realtime.NewHub()
	delivered := hub.Push("did:key:ghost", realtime.Notification{Type: "new_message"})
	require.False(t, delivered)
}

func TestPushDropsOldestWhenSessionQueueIsFull(t *testing.T) {
	hub := realtime.NewHub()
	sess := hub.Register("did:key:a")

	const capacity = 64
	for i := 0; i < capacity+5; i++ {
		hub.Push("did:key:a", realtime.Notification{Type: "new_message", MessageID: intToID(i)})
	}

	require.Len(t, sess.Send(), capacity)

	first := <-sess.Send()
	var n realtime.Notification
	require.NoError(t, json.Unmarshal(first, &n))
	require.Equal(t, intToID(5), n.MessageID) // the oldest 5 were dropped
}

func TestUnregisterRemovesSessionAndClosesDone(t *testing.T) {
	hub := realtime.NewHub()
	sess := hub.Register("did:key:a")
	require.True(t, hub.HasSession("did:key:a"))

	hub.Unregister(sess)
	require.False(t, hub.HasSession("did:key:a"))

	select {
	case <-sess.Done():
	default:
		t.Fatal("expected done channel to be closed after unregister")
	}
}

func TestFieldsFromNotificationRoundTrips(t *testing.T) {
	n := realtime.Notification{
		Type: "negotiation_event", Event: "proposed", NegotiationID: "neg-1",
		State: "proposed", CurrentProposal: `{"price":100}`, RoundNumber: 2, ConvergenceScore: 0.87,
	}
	fields := realtime.FieldsFromNotification(n)
	require.Equal(t, "negotiation_event", fields["type"])
	require.Equal(t, "neg-1", fields["negotiation_id"])
	require.Equal(t, "2", fields["round_number"])
	require.Equal(t, "0.87", fields["convergence_score"])
}

func intToID(i int) string {
	digits := []byte{}
	if i == 0 {
		return "0"
	}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
