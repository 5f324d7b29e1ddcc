package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/metrics"
)

// Feed manages the set of active websocket connections and pushes every
// committed entry to them. External dashboards and SIEM collectors
// subscribe here instead of polling the events endpoint.
//
// Architecture: a single hub goroutine handles registration,
// unregistration, and broadcasting. This avoids needing locks on the
// connections map — all mutations happen in the hub goroutine via
// channels. Delivery is best-effort: a slow client is dropped rather
// than allowed to stall the broadcast loop, and clients that need a
// gap-free record re-read the chain.
type Feed struct {
	connections map[*feedConn]bool

	broadcastCh  chan feedMsg
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
}

// feedMsg carries one marshaled entry plus its tenant for per-client
// filtering.
type feedMsg struct {
	tenantID string
	payload  []byte
}

// feedConn wraps a single websocket connection. tenant narrows which
// entries the client receives; empty means all tenants.
type feedConn struct {
	conn   *websocket.Conn
	send   chan []byte
	tenant string
	mu     sync.Mutex // Protects concurrent writes.
}

// upgrader handles HTTP → websocket protocol upgrade. CheckOrigin allows
// all origins; the platform in front of the service enforces origin
// policy along with authentication.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFeed creates the hub and starts its broadcast goroutine.
func NewFeed() *Feed {
	f := &Feed{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan feedMsg, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
	}
	go f.run()
	return f
}

// run is the main hub event loop. Runs in a background goroutine for the
// life of the process.
func (f *Feed) run() {
	for {
		select {
		case conn := <-f.registerCh:
			f.connections[conn] = true
			metrics.FeedClients.Inc()
			slog.Debug("feed client connected", "tenant", conn.tenant, "total", len(f.connections))

		case conn := <-f.unregisterCh:
			if _, ok := f.connections[conn]; ok {
				delete(f.connections, conn)
				close(conn.send)
				metrics.FeedClients.Dec()
				slog.Debug("feed client disconnected", "total", len(f.connections))
			}

		case msg := <-f.broadcastCh:
			for conn := range f.connections {
				if conn.tenant != "" && conn.tenant != msg.tenantID {
					continue
				}
				select {
				case conn.send <- msg.payload:
				default:
					// Client's send buffer is full — drop the connection.
					// This prevents a slow client from blocking all broadcasts.
					delete(f.connections, conn)
					close(conn.send)
					metrics.FeedClients.Dec()
				}
			}
		}
	}
}

// Broadcast pushes one committed entry to all subscribed clients.
// Non-blocking — if the broadcast channel is full, the entry is dropped
// from the feed (never from the chain).
func (f *Feed) Broadcast(e audit.Entry) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "error", err)
		return
	}
	select {
	case f.broadcastCh <- feedMsg{tenantID: e.TenantID, payload: payload}:
	default:
	}
}

// handleWS upgrades the connection and registers the client with the
// hub.
// GET /api/feed/ws?tenant=
func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("feed upgrade failed", "error", err)
		return
	}

	client := &feedConn{
		conn:   conn,
		send:   make(chan []byte, 64),
		tenant: r.URL.Query().Get("tenant"),
	}

	f.registerCh <- client

	go client.writePump()
	go client.readPump(f)
}

// writePump sends entries from the send channel to the websocket.
// Runs in a goroutine per client.
func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages to detect disconnection; the feed is
// one-directional. When the client disconnects, unregisters from the hub.
func (c *feedConn) readPump(f *Feed) {
	defer func() {
		f.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
