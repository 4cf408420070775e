package conn

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/observability"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

var allStates = []State{Disconnected, Connecting, Connected, Error}

var ErrClosed = errors.New("connection closed")

// Status is the externally visible view of one source's current connection.
type Status struct {
	Source       string    `json:"source"`
	State        State     `json:"state"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
}

// Tracker hands out Connections and remembers the latest status per source.
type Tracker struct {
	pub events.Publisher

	mu     sync.RWMutex
	status map[string]Status
}

func NewTracker(pub events.Publisher) *Tracker {
	return &Tracker{pub: pub, status: map[string]Status{}}
}

// Begin starts a fresh Connection for source in the Connecting state.
func (t *Tracker) Begin(source string) *Connection {
	c := &Connection{
		tracker: t,
		source:  source,
		id:      uuid.NewString(),
		state:   Connecting,
	}
	t.record(c, Connecting, "", true)
	return c
}

func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.status))
	for _, s := range t.status {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (t *Tracker) Get(source string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.status[source]
	return s, ok
}

func (t *Tracker) record(c *Connection, state State, lastErr string, begin bool) {
	t.mu.Lock()
	// A stale connection must not overwrite the status of its replacement.
	if prev, ok := t.status[c.source]; ok && !begin && prev.ConnectionID != c.id {
		t.mu.Unlock()
		return
	}
	t.status[c.source] = Status{
		Source:       c.source,
		State:        state,
		ConnectionID: c.id,
		Since:        time.Now().UTC(),
		LastError:    lastErr,
	}
	for _, st := range allStates {
		v := 0.0
		if st == state {
			v = 1
		}
		observability.AdapterState.WithLabelValues(c.source, string(st)).Set(v)
	}
	t.mu.Unlock()
}

// Connection is one adapter's link to a producer. Once it reaches Error or Disconnected it
// never publishes again; reconnecting means calling Tracker.Begin for a new one.
type Connection struct {
	tracker *Tracker
	source  string
	id      string

	mu    sync.Mutex
	state State
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) Source() string { return c.source }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func terminal(s State) bool { return s == Error || s == Disconnected }

// Connected moves a Connecting connection to Connected.
func (c *Connection) Connected() {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.mu.Unlock()
	c.tracker.record(c, Connected, "", false)
	slog.Info("source connected", "source", c.source, "connection_id", c.id)
}

// Publish emits <source>:<kind>. Only a Connected connection may publish data.
func (c *Connection) Publish(kind string, payload any) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != Connected {
		return ErrClosed
	}
	return events.Emit(c.tracker.pub, events.Namespace(c.source, kind), payload)
}

// Report publishes <source>:error without ending the connection. Callers that share a
// connection each report their own failure.
func (c *Connection) Report(err error) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if terminal(st) {
		return ErrClosed
	}
	slog.Warn("source error", "source", c.source, "connection_id", c.id, "error", err)
	return events.Emit(c.tracker.pub, events.Namespace(c.source, events.KindError), err.Error())
}

// Fail publishes <source>:error and moves the connection to Error. Only the first call has
// any effect.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	if terminal(c.state) {
		c.mu.Unlock()
		return
	}
	c.state = Error
	c.mu.Unlock()

	slog.Error("source failed", "source", c.source, "connection_id", c.id, "error", err)
	c.tracker.record(c, Error, err.Error(), false)
	if perr := events.Emit(c.tracker.pub, events.Namespace(c.source, events.KindError), err.Error()); perr != nil {
		slog.Warn("error event not published", "source", c.source, "error", perr)
	}
}

// Close ends the connection. A connection that was Connected announces
// <source>:disconnected; cause, if any, is kept as the last error.
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	prev := c.state
	if terminal(prev) {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.mu.Unlock()

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	c.tracker.record(c, Disconnected, lastErr, false)
	if prev == Connected {
		if err := events.Emit(c.tracker.pub, events.Namespace(c.source, events.KindDisconnected), map[string]string{"connection_id": c.id}); err != nil {
			slog.Warn("disconnect event not published", "source", c.source, "error", err)
		}
	}
	slog.Info("source disconnected", "source", c.source, "connection_id", c.id)
}
