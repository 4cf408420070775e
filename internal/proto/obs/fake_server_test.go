package obs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeOBS speaks enough obs-websocket v5 to exercise the client.
type fakeOBS struct {
	t        *testing.T
	password string
	srv      *httptest.Server

	identified chan struct{}

	mu       sync.Mutex
	sessions []*fakeSession
	requests []request
	// failInputs answers PressInputPropertiesButton with result=false for these inputs.
	failInputs map[string]bool
}

type fakeSession struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *fakeSession) write(op int, d any) error {
	msg, err := encode(op, d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(msg)
}

func newFakeOBS(t *testing.T, password string) *fakeOBS {
	t.Helper()
	f := &fakeOBS{t: t, password: password, identified: make(chan struct{}, 8), failInputs: map[string]bool{}}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"obswebsocket.json"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		f.serve(&fakeSession{ws: ws})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOBS) hostPort() (string, int) {
	hp := strings.TrimPrefix(f.srv.URL, "http://")
	i := strings.LastIndex(hp, ":")
	port, _ := strconv.Atoi(hp[i+1:])
	return hp[:i], port
}

func (f *fakeOBS) addr() string { return strings.TrimPrefix(f.srv.URL, "http://") }

func (f *fakeOBS) serve(s *fakeSession) {
	const salt, challenge = "c2FsdA==", "Y2hhbGxlbmdl"
	h := hello{OBSWebSocketVersion: "5.4.2", RPCVersion: RPCVersion}
	if f.password != "" {
		h.Authentication = &authChallenge{Challenge: challenge, Salt: salt}
	}
	if err := s.write(OpHello, h); err != nil {
		return
	}

	var msg message
	if err := s.ws.ReadJSON(&msg); err != nil || msg.Op != OpIdentify {
		return
	}
	var id identify
	_ = json.Unmarshal(msg.D, &id)
	if f.password != "" && id.Authentication != authResponse(f.password, salt, challenge) {
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthenticationFailed, "Authentication failed."), time.Now().Add(time.Second))
		return
	}
	if err := s.write(OpIdentified, identified{NegotiatedRPCVersion: RPCVersion}); err != nil {
		return
	}

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	f.identified <- struct{}{}

	for {
		if err := s.ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != OpRequest {
			continue
		}
		var req request
		_ = json.Unmarshal(msg.D, &req)
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		_ = s.write(OpRequestResponse, f.answer(req))
	}
}

func (f *fakeOBS) answer(req request) response {
	resp := response{Type: req.Type, ID: req.ID, Status: requestStatus{Result: true, Code: 100}}
	switch req.Type {
	case RequestGetStreamStatus:
		resp.Data = json.RawMessage(`{"outputActive":true,"outputReconnecting":false,"outputTimecode":"00:00:01.000","outputDuration":1000,"outputCongestion":0,"outputBytes":2048,"outputSkippedFrames":0,"outputTotalFrames":60}`)
	case RequestPressInputPropertiesButton:
		var d pressInputPropertiesButton
		b, _ := json.Marshal(req.Data)
		_ = json.Unmarshal(b, &d)
		f.mu.Lock()
		fail := f.failInputs[d.InputName]
		f.mu.Unlock()
		if fail {
			resp.Status = requestStatus{Result: false, Code: 600, Comment: "No source was found"}
		}
	default:
		resp.Status = requestStatus{Result: false, Code: 204, Comment: "unknown request"}
	}
	return resp
}

func (f *fakeOBS) waitIdentified() {
	f.t.Helper()
	f.waitIdentifiedWithin(3 * time.Second)
}

func (f *fakeOBS) waitIdentifiedWithin(d time.Duration) {
	f.t.Helper()
	select {
	case <-f.identified:
	case <-time.After(d):
		f.t.Fatalf("client never identified")
	}
}

// push sends an event on the most recent session.
func (f *fakeOBS) push(eventType string, data any) {
	f.t.Helper()
	b, _ := json.Marshal(data)
	f.mu.Lock()
	s := f.sessions[len(f.sessions)-1]
	f.mu.Unlock()
	if err := s.write(OpEvent, Event{Type: eventType, Intent: SubInputs, Data: b}); err != nil {
		f.t.Fatalf("push event: %v", err)
	}
}

// drop closes every live session from the server side.
func (f *fakeOBS) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		_ = s.ws.Close()
	}
}

func (f *fakeOBS) requestsOf(requestType string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.requests {
		if r.Type == requestType {
			out = append(out, r)
		}
	}
	return out
}
