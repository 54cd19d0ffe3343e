package eventbus

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const pingInterval = 30 * time.Second

// WSHandler serves the dashboard's persistent bidirectional channel at
// /ws?userUid=… (§6). A subscriber connects unbound; the application binds
// it to a workspace after authenticating the dashboard access key, via
// Bus.Bind — out of scope here.
type WSHandler struct {
	bus *Bus
}

func NewWSHandler(bus *Bus) *WSHandler {
	return &WSHandler{bus: bus}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userUID := r.URL.Query().Get("userUid")
	if userUID == "" {
		http.Error(w, "missing userUid", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		zap.L().Warn("eventbus: websocket accept failed", zap.Error(err), zap.String("user_uid", userUID))
		return
	}

	subscriberID := uuid.NewString()
	sub := h.bus.Connect(subscriberID)
	defer h.bus.Disconnect(subscriberID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readPump(ctx, conn, cancel)

	writePumpWithLivenessProbe(ctx, conn, sub)

	_ = conn.Close(websocket.StatusNormalClosure, "closing")
}

// readPump exists only to keep control-frame processing (pongs) flowing;
// the protocol defines no client->server application messages.
func readPump(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePumpWithLivenessProbe drains the subscriber's mailbox and pings on a
// fixed 30s cadence; a subscriber that fails to respond by the next probe
// is terminated and removed (§4.7, §6 "Liveness").
func writePumpWithLivenessProbe(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				zap.L().Info("eventbus: subscriber missed liveness probe, terminating",
					zap.String("subscriber_id", sub.ID))
				return
			}
		}
	}
}
