package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/hub"
	"overlay-bridge/internal/observability"
)

const (
	DefaultClientBuffer = 64

	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 5 * time.Second
)

// Gateway fans hub events out to overlay websocket clients.
type Gateway struct {
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewGateway(clientBuffer int) *Gateway {
	if clientBuffer <= 0 {
		clientBuffer = DefaultClientBuffer
	}
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Overlays are served from arbitrary local origins.
				return true
			},
		},
		buffer:  clientBuffer,
		clients: map[*client]struct{}{},
	}
}

// Run forwards every event from sub until ctx is done or the subscription closes, then
// disconnects all clients.
func (g *Gateway) Run(ctx context.Context, sub *hub.Subscription) error {
	defer g.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			g.Broadcast(ev)
		}
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, g.buffer)}
	g.addClient(c)
	slog.Debug("gateway client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go g.writePump(c)
	g.readPump(c)
}

// Broadcast serializes ev once and queues it for every client.
func (g *Gateway) Broadcast(ev events.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("gateway event not encoded", "namespace", ev.Namespace, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			observability.EventsDropped.WithLabelValues("gateway", "slow_client").Inc()
			slog.Warn("gateway client dropped", "client_id", c.id, "reason", "send buffer full")
			g.dropLocked(c)
		}
	}
}

func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) addClient(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c] = struct{}{}
	observability.GatewayClients.Set(float64(len(g.clients)))
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; ok {
		g.dropLocked(c)
		slog.Debug("gateway client disconnected", "client_id", c.id)
	}
}

func (g *Gateway) dropLocked(c *client) {
	delete(g.clients, c)
	close(c.send)
	_ = c.conn.Close()
	observability.GatewayClients.Set(float64(len(g.clients)))
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		g.dropLocked(c)
	}
}

// readPump discards inbound messages and notices disconnects.
func (g *Gateway) readPump(c *client) {
	defer g.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.removeClient(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.removeClient(c)
				return
			}
		}
	}
}
