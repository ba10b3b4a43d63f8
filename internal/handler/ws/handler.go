package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ECSERP/whatsapp-backend/internal/notify"
	sessionservice "github.com/ECSERP/whatsapp-backend/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler relays per-tenant notification events to websocket listeners.
type Handler struct {
	registry *sessionservice.Registry
	hub      *notify.Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates the realtime handler.
func New(registry *sessionservice.Registry, hub *notify.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// RegisterRoutes registers the websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Event    string `json:"event"`
	TenantID string `json:"tenantId"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	h.log.Debug().Str("client", clientID).Msg("new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// All writes funnel through writeLoop; gorilla connections allow only one
	// concurrent writer.
	send := make(chan notify.Event, 32)
	go h.writeLoop(ctx, conn, send)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	h.deliver(ctx, send, notify.Event{Name: notify.EventUserID, Data: clientID})

	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("client", clientID).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msg.Event {
		case "registerUser":
			if msg.TenantID == "" {
				h.deliver(ctx, send, notify.Event{Name: notify.EventLog, Data: "tenantId is required"})
				continue
			}
			if unsubscribe != nil {
				unsubscribe()
			}
			var events <-chan notify.Event
			events, unsubscribe = h.hub.Subscribe(msg.TenantID, 32)
			go h.relay(ctx, events, send)

			h.registry.GetOrCreate(msg.TenantID)
			h.sendSnapshot(ctx, send, msg.TenantID)

			h.log.Debug().Str("client", clientID).Str("tenant", msg.TenantID).Msg("registered")
		default:
			h.deliver(ctx, send, notify.Event{Name: notify.EventLog, Data: "unsupported event: " + msg.Event})
		}
	}
}

// sendSnapshot catches a fresh listener up with the current scan payload and
// authentication state.
func (h *Handler) sendSnapshot(ctx context.Context, send chan<- notify.Event, tenantID string) {
	if payload, ok := h.registry.LatestScanPayload(tenantID); ok {
		h.deliver(ctx, send, notify.Event{Name: notify.EventQRCode, Data: payload})
	}
	h.deliver(ctx, send, notify.Event{Name: notify.EventAuthenticated, Data: h.registry.IsAuthenticated(tenantID)})
}

// relay forwards room events to this connection until the subscription or the
// connection ends.
func (h *Handler) relay(ctx context.Context, events <-chan notify.Event, send chan<- notify.Event) {
	for ev := range events {
		select {
		case send <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) deliver(ctx context.Context, send chan<- notify.Event, ev notify.Event) {
	select {
	case send <- ev:
	case <-ctx.Done():
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan notify.Event) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
