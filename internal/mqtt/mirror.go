package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/hub"
	"overlay-bridge/internal/observability"
)

const DefaultTopicPrefix = "overlay-bridge"

// Mirror republishes hub events to <prefix>/<source>/<kind>. Microphone and stream
// status are retained so late subscribers see the current value.
type Mirror struct {
	pub    Publisher
	prefix string
}

func NewMirror(pub Publisher, prefix string) *Mirror {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Mirror{pub: pub, prefix: prefix}
}

func (m *Mirror) Topic(ev events.Event) string {
	return m.prefix + "/" + ev.Source() + "/" + ev.Kind()
}

func retained(kind string) bool {
	return kind == events.KindMicrophone || kind == events.KindStatus
}

func (m *Mirror) Forward(ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.pub.PublishWith(m.Topic(ev), b, retained(ev.Kind()))
}

// Run forwards every event from sub until ctx is done. Broker failures drop the event.
func (m *Mirror) Run(ctx context.Context, sub *hub.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := m.Forward(ev); err != nil {
				observability.EventsDropped.WithLabelValues("mqtt", "publish_failed").Inc()
				slog.Warn("mqtt mirror publish failed", "namespace", ev.Namespace, "error", err)
			}
		}
	}
}
