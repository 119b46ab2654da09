package collaboration

import (
	"context"
	"net/http"

	"afteryou/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades gateway connections.
type WebSocketHandler struct {
	sessionManager *SessionManager
}

func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleConnection serves /ws. Each connection becomes one session.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessionManager.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(conn, r.RemoteAddr)
	span.SetAttributes(attribute.String("session.id", session.ID))

	h.sessionManager.Register(session)

	// The request context ends with this handler; the pumps outlive it.
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump()
	go session.ReadPump(pumpCtx)
}
