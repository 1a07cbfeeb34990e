package realtime

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"nhooyr.io/websocket"
)

// wsWriteTimeout bounds each outbound frame write, per the teacher's
// streaming-endpoint idiom.
const wsWriteTimeout = 10 * time.Second

// Handler serves the §4.15 websocket endpoint: a connecting agent supplies
// its DID as a query parameter, registers a session, and receives both its
// durable-stream backlog and live pushes until it disconnects.
type Handler struct {
	hub    *Hub
	bridge *Bridge
	log    *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, bridge *Bridge, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{hub: hub, bridge: bridge, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("realtime websocket accept failed", "error", err)
		return
	}
	if did == "" {
		conn.Close(websocket.StatusPolicyViolation, "did query parameter required")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.hub.Register(did)
	defer h.hub.Unregister(sess)

	go h.bridge.Run(ctx, did)
	go h.drainReads(ctx, conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case payload, ok := <-sess.Send():
			if !ok {
				return
			}
			if err := h.write(ctx, conn, payload); err != nil {
				h.log.Warn("realtime websocket write failed", "did", did, "error", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// drainReads discards client frames (the protocol is server-push only) and
// cancels ctx once the client disconnects.
func (h *Handler) drainReads(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
