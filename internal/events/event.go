package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidNamespace = errors.New("invalid event namespace")
	// ErrConnection marks bind/connect/auth failures. They are fatal to the adapter that hit them.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks a malformed frame or message. Recoverable per message.
	ErrProtocol = errors.New("protocol error")
)

// Well-known sources and kinds.
const (
	SourceOBS     = "obs"
	SourceBizHawk = "bizhawk"

	KindMessage      = "message"
	KindMicrophone   = "microphone"
	KindStatus       = "status"
	KindError        = "error"
	KindDisconnected = "disconnected"
)

// Event is the unit carried by the hub. The payload is encoded once at construction and
// shared read-only by every consumer.
type Event struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Publisher is anything events can be pushed into.
type Publisher interface {
	Publish(ev Event) error
}

type MicrophoneStatus struct {
	Muted bool `json:"muted"`
}

// StreamStatus mirrors the obs-websocket GetStreamStatus response.
type StreamStatus struct {
	OutputActive        bool    `json:"outputActive"`
	OutputReconnecting  bool    `json:"outputReconnecting"`
	OutputTimecode      string  `json:"outputTimecode"`
	OutputDuration      float64 `json:"outputDuration"`
	OutputCongestion    float64 `json:"outputCongestion"`
	OutputBytes         float64 `json:"outputBytes"`
	OutputSkippedFrames float64 `json:"outputSkippedFrames"`
	OutputTotalFrames   float64 `json:"outputTotalFrames"`
}

func Namespace(source, kind string) string {
	return source + ":" + kind
}

// SplitNamespace returns the source and kind of a namespace like "obs:status".
func SplitNamespace(ns string) (source, kind string, err error) {
	source, kind, ok := strings.Cut(ns, ":")
	source = strings.TrimSpace(source)
	kind = strings.TrimSpace(kind)
	if !ok || source == "" || kind == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return source, kind, nil
}

// New builds an Event. Payloads that are already json.RawMessage are taken as is.
func New(namespace string, payload any) (Event, error) {
	if _, _, err := SplitNamespace(namespace); err != nil {
		return Event{}, err
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return Event{}, fmt.Errorf("%s: payload is not valid json", namespace)
		}
		raw = append(json.RawMessage(nil), p...)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Event{}, fmt.Errorf("%s: encode payload: %w", namespace, err)
		}
		raw = b
	}
	return Event{Namespace: namespace, Payload: raw, At: time.Now().UTC()}, nil
}

// Valid reports whether the event can be placed on the hub.
func (e Event) Valid() error {
	_, _, err := SplitNamespace(e.Namespace)
	return err
}

func (e Event) Source() string {
	s, _, _ := strings.Cut(e.Namespace, ":")
	return s
}

func (e Event) Kind() string {
	_, k, _ := strings.Cut(e.Namespace, ":")
	return k
}

// Emit constructs and publishes in one go.
func Emit(pub Publisher, namespace string, payload any) error {
	ev, err := New(namespace, payload)
	if err != nil {
		return err
	}
	return pub.Publish(ev)
}
