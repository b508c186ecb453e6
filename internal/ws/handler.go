// Package ws streams connection manager events to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"strconv"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Handler provides the WebSocket event stream.
type Handler struct {
	hub     *Hub
	bus     plugin.EventBus
	unsub   func()
	origins []string
	logger  *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to connection
// manager events. origins lists extra host patterns allowed to connect
// cross-origin; same-origin clients are always accepted.
func NewHandler(bus plugin.EventBus, logger *zap.Logger, origins ...string) *Handler {
	h := &Handler{
		hub:     NewHub(logger),
		bus:     bus,
		origins: origins,
		logger:  logger,
	}
	h.subscribeToEvents()
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// Close detaches the handler from the bus.
func (h *Handler) Close() {
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}

// handleEvents upgrades the connection and streams events, optionally
// filtered to one vdev with ?vdev=N. Clients never send; the read side only
// watches for the close frame.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var (
		scoped bool
		vdev   cm.VdevID
	)
	if v := r.URL.Query().Get("vdev"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			http.Error(w, "invalid vdev parameter", http.StatusBadRequest)
			return
		}
		scoped, vdev = true, cm.VdevID(n)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := newClient(conn, r.RemoteAddr, h.logger)
	client.scoped, client.vdev = scoped, vdev
	h.hub.Register(client)

	ctx := conn.CloseRead(r.Context())
	if client.writeLoop(ctx) {
		conn.Close(websocket.StatusTryAgainLater, "client too slow")
		return
	}
	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
}

// subscribeToEvents forwards every connection manager event to the hub.
// Publishing runs on the manager's executor, so Broadcast never blocks.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}
	h.unsub = h.bus.SubscribePrefix(cm.TopicPrefix, func(_ context.Context, event plugin.Event) {
		msg, ok := messageFor(event.Payload, event.Timestamp)
		if !ok {
			return
		}
		h.hub.Broadcast(msg)
	})
	h.logger.Info("subscribed to connection manager events for WebSocket broadcasting")
}
