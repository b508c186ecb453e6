package ws

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	// defaultMaxDrops is how many messages in a row a client may miss
	// before the hub gives up on it.
	defaultMaxDrops = 64
)

// Client is one event stream subscriber.
type Client struct {
	conn   *websocket.Conn
	remote string
	// scoped limits delivery to vdev.
	scoped bool
	vdev   cm.VdevID
	send   chan Message
	logger *zap.Logger

	drops int // consecutive, guarded by Hub.mu
}

func newClient(conn *websocket.Conn, remote string, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		remote: remote,
		send:   make(chan Message, sendBuffer),
		logger: logger,
	}
}

func (c *Client) accepts(msg Message) bool {
	return !c.scoped || c.vdev == msg.Vdev
}

// writeLoop forwards queued messages until ctx ends, a write fails or the
// hub evicts the client. It reports whether the client was evicted.
func (c *Client) writeLoop(ctx context.Context) (evicted bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, open := <-c.send:
			if !open {
				return true
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write failed", zap.String("remote", c.remote), zap.Error(err))
				return false
			}
		}
	}
}

// Hub fans connection manager messages out to the connected clients.
// Broadcast never blocks: a full client buffer drops the message, and a
// client that keeps dropping is evicted.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	maxDrops int
	evicted  int
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		maxDrops: defaultMaxDrops,
		logger:   logger,
	}
}

// Register adds c to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", c.remote), zap.Int("clients", n))
}

// Unregister removes c and closes its send channel. Removing a client that
// is not registered (or was evicted) is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	if removed {
		h.logger.Debug("websocket client disconnected", zap.String("remote", c.remote))
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Broadcast queues msg for every client that accepts its vdev.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.accepts(msg) {
			continue
		}
		select {
		case c.send <- msg:
			c.drops = 0
			continue
		default:
		}
		c.drops++
		if c.drops < h.maxDrops {
			continue
		}
		h.removeLocked(c)
		h.evicted++
		h.logger.Warn("evicting slow websocket client",
			zap.String("remote", c.remote),
			zap.Int("dropped", c.drops),
			zap.String("type", string(msg.Type)),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Evicted returns how many clients were dropped for falling behind.
func (h *Hub) Evicted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}
