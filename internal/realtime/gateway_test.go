package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/hub"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitClients(t *testing.T, g *Gateway, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, g.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) events.Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestGatewayForwardsHubEvents(t *testing.T) {
	h := hub.New(16)
	g := NewGateway(8)
	ts := httptest.NewServer(g)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := h.Subscribe("gateway")
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, sub) }()

	a := dial(t, ts)
	b := dial(t, ts)
	waitClients(t, g, 2)

	if err := events.Emit(h, "obs:microphone", events.MicrophoneStatus{Muted: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		ev := readEvent(t, c)
		if ev.Namespace != "obs:microphone" || string(ev.Payload) != `{"muted":true}` {
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway did not stop")
	}
	if g.Len() != 0 {
		t.Fatalf("clients left after shutdown: %d", g.Len())
	}
}

func TestGatewayIgnoresInboundMessages(t *testing.T) {
	g := NewGateway(8)
	ts := httptest.NewServer(g)
	defer ts.Close()

	c := dial(t, ts)
	waitClients(t, g, 1)
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"hello":"bridge"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	g.Broadcast(mustEvent(t, "bizhawk:message", "hi"))
	if ev := readEvent(t, c); ev.Namespace != "bizhawk:message" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if g.Len() != 1 {
		t.Fatalf("client should still be connected")
	}
}

func TestGatewayRemovesClosedClient(t *testing.T) {
	g := NewGateway(8)
	ts := httptest.NewServer(g)
	defer ts.Close()

	c := dial(t, ts)
	waitClients(t, g, 1)
	_ = c.Close()
	waitClients(t, g, 0)
}

func TestGatewayDropsSlowClient(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	defer ts.Close()
	dial(t, ts)

	g := NewGateway(1)
	// No write pump, so the send buffer is never drained.
	slow := &client{id: "slow", conn: <-conns, send: make(chan []byte, 1)}
	g.addClient(slow)

	g.Broadcast(mustEvent(t, "obs:status", map[string]bool{"outputActive": true}))
	if g.Len() != 1 {
		t.Fatalf("client dropped too early")
	}
	g.Broadcast(mustEvent(t, "obs:status", map[string]bool{"outputActive": false}))
	if g.Len() != 0 {
		t.Fatalf("slow client should be dropped")
	}
	if _, ok := <-slow.send; !ok {
		t.Fatalf("queued event lost")
	}
	if _, ok := <-slow.send; ok {
		t.Fatalf("send channel should be closed")
	}
}

func mustEvent(t *testing.T, ns string, payload any) events.Event {
	t.Helper()
	ev, err := events.New(ns, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestEventWireShape(t *testing.T) {
	ev := mustEvent(t, "bizhawk:message", "hello")
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m["namespace"]) != `"bizhawk:message"` || string(m["payload"]) != `"hello"` || m["at"] == nil {
		t.Fatalf("unexpected wire shape %s", b)
	}
}
