package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/parametric-engine/internal/metrics"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingEvery    = 30 * time.Second
)

// wsClient is one WebSocket subscriber. Only its writer goroutine writes to
// conn; the hub hands it frames through send.
type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[Type]bool // empty means every type
}

func (c *wsClient) wants(t Type) bool {
	return len(c.types) == 0 || c.types[t]
}

// WSHub forwards events from a Hub to WebSocket clients. Clients may narrow
// the stream with ?types=policy.settled,reading.submitted.
type WSHub struct {
	register   chan *wsClient
	unregister chan *wsClient
	clients    map[*wsClient]struct{} // owned by Run
}

// NewWSHub creates a WebSocket hub. Run must be started before clients
// connect.
func NewWSHub() *WSHub {
	return &WSHub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Run subscribes to source and fans events out until ctx is done.
func (h *WSHub) Run(ctx context.Context, source *Hub) {
	feed, cancel := source.Subscribe(256)
	defer cancel()
	defer h.dropAll()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case e, ok := <-feed:
			if !ok {
				return
			}
			h.fanOut(e)
		}
	}
}

func (h *WSHub) fanOut(e Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		slog.Error("ws encode failed", "type", e.Type, "err", err)
		return
	}
	for c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			// A client that cannot keep up is disconnected; it can resync
			// from the REST endpoints.
			metrics.EventsDropped.Inc()
			h.drop(c)
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *WSHub) dropAll() {
	for c := range h.clients {
		h.drop(c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // the UI is served from another origin
	},
}

// HandleWS upgrades GET /api/v1/ws and streams events to the client.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), types: parseTypes(r.URL.Query().Get("types"))}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go h.readLoop(c)
	go writeLoop(c)
}

// readLoop discards client frames and unregisters the client once the
// connection fails or stops answering pings.
func (h *WSHub) readLoop(c *wsClient) {
	defer func() {
		// Run may already be gone at shutdown.
		select {
		case h.unregister <- c:
		case <-time.After(time.Second):
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop owns every write to the connection.
func writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) map[Type]bool {
	if raw == "" {
		return nil
	}
	types := make(map[Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[Type(t)] = true
		}
	}
	return types
}
