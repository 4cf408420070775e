package hub

import (
	"sync"
	"sync/atomic"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/observability"
)

const DefaultBuffer = 256

// Hub is an in-memory broadcast point. Publish never blocks: a subscriber whose queue is
// full misses the event instead of stalling the producer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

type Subscription struct {
	name    string
	ch      chan events.Event
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers a consumer. It only sees events published after this call.
func (h *Hub) Subscribe(name string) *Subscription {
	s := &Subscription{name: name, ch: make(chan events.Event, h.buffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.HubSubscribers.Set(float64(n))
	return s
}

func (h *Hub) Publish(ev events.Event) error {
	if err := ev.Valid(); err != nil {
		return err
	}
	observability.EventsPublished.WithLabelValues(ev.Namespace).Inc()

	// Sends happen under the read lock so Close cannot close a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			observability.EventsDropped.WithLabelValues(s.name, "queue_full").Inc()
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	close(s.ch)
	h.mu.Unlock()
	observability.HubSubscribers.Set(float64(n))
}

// C yields events until the subscription is closed.
func (s *Subscription) C() <-chan events.Event { return s.ch }

func (s *Subscription) Name() string { return s.name }

// Dropped is the number of events this subscriber missed because its queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}
