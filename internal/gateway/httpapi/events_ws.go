package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEventBuffer is the per-subscriber buffer. A client that falls this far
// behind starts losing events rather than stalling the publisher.
const wsEventBuffer = 64

// handleEventsWS streams lifecycle events to a WebSocket client as JSON
// messages. The connection is write-only; client frames are discarded.
func (g *Gateway) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	// Bearer auth mirrors the /v1 group, with a query-param fallback for
	// browser clients that cannot set headers on WebSocket upgrades.
	if g.config.AuthToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			auth := r.Header.Get("Authorization")
			if len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, cancel := g.manager.Events().Subscribe(wsEventBuffer)
	defer cancel()

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	g.logger.Info("event stream client connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Bus shut down.
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				g.logger.Debug("event stream write failed",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
