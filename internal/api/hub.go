package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtrntr/spvswap/internal/models"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the event stream is public
	},
}

// wsMessage is one frame on the event stream. The first frame a client
// receives is the open book; every later frame carries one market event.
type wsMessage struct {
	Type  string        `json:"type"`
	Book  *bookMessage  `json:"book,omitempty"`
	Event *models.Event `json:"event,omitempty"`
}

type bookMessage struct {
	SellOrders []sellOrderView `json:"sell_orders"`
	BuyOrders  []buyOrderView  `json:"buy_orders"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans market events out to websocket clients. It implements the
// market's Emitter: Emit never blocks, and a client that falls behind is
// disconnected.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// Emit broadcasts evt to every connected client.
func (hub *Hub) Emit(evt models.Event) {
	data, err := json.Marshal(wsMessage{Type: "event", Event: &evt})
	if err != nil {
		hub.logger.Error("failed to marshal event", "seq", evt.Seq, "error", err)
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for c := range hub.clients {
		select {
		case c.send <- data:
		default:
			hub.logger.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			hub.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (hub *Hub) Clients() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.clients)
}

// Close disconnects every client.
func (hub *Hub) Close() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for c := range hub.clients {
		hub.removeLocked(c)
	}
}

func (hub *Hub) add(c *wsClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.clients[c] = struct{}{}
}

func (hub *Hub) remove(c *wsClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.removeLocked(c)
}

func (hub *Hub) removeLocked(c *wsClient) {
	if _, ok := hub.clients[c]; !ok {
		return
	}
	delete(hub.clients, c)
	close(c.send)
}

// writePump writes initial, then every queued event until the hub drops the
// client.
func (c *wsClient) writePump(initial []byte) {
	defer c.conn.Close()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, initial); err != nil {
		return
	}
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

// ServeWS upgrades the request to a websocket that streams the open book
// followed by every market event.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	// Subscribing under the market lock means every event after the book
	// reaches the client and none before it does.
	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	snap := h.Market.SnapshotWith(func() { h.Hub.add(client) })
	initial, err := json.Marshal(wsMessage{Type: "book", Book: &bookMessage{
		SellOrders: sellOrderViews(snap.SellOrders),
		BuyOrders:  buyOrderViews(snap.BuyOrders),
	}})
	if err != nil {
		h.Logger.Error("failed to marshal order book", "error", err)
		h.Hub.remove(client)
		conn.Close()
		return
	}
	go client.writePump(initial)

	// Clients only listen; reading detects disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Hub.remove(client)
			return
		}
	}
}
