package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"overlay-bridge/internal/events"
)

func mustEvent(t *testing.T, ns string, payload any) events.Event {
	t.Helper()
	ev, err := events.New(ns, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestPublishWithoutSubscribersReturns(t *testing.T) {
	h := New(4)
	done := make(chan error, 1)
	ev := mustEvent(t, "obs:status", map[string]any{"outputActive": true})
	go func() { done <- h.Publish(ev) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with zero subscribers")
	}
}

func TestPublishRejectsEmptyNamespace(t *testing.T) {
	h := New(4)
	sub := h.Subscribe("test")
	defer sub.Close()
	err := h.Publish(events.Event{Payload: json.RawMessage(`"x"`)})
	if !errors.Is(err, events.ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("invalid event delivered: %+v", ev)
	default:
	}
}

func TestLateSubscriberSeesNoBacklog(t *testing.T) {
	h := New(4)
	early := h.Subscribe("early")
	defer early.Close()
	_ = h.Publish(mustEvent(t, "bizhawk:message", "first"))

	late := h.Subscribe("late")
	defer late.Close()
	_ = h.Publish(mustEvent(t, "bizhawk:message", "second"))

	got := <-late.C()
	if string(got.Payload) != `"second"` {
		t.Fatalf("late subscriber got %s", got.Payload)
	}
	if n := len(early.C()); n != 2 {
		t.Fatalf("early subscriber expected 2 queued events, got %d", n)
	}
}

func TestPerSourceOrderPreserved(t *testing.T) {
	const perSource = 200
	h := New(4 * perSource)
	subs := []*Subscription{h.Subscribe("a"), h.Subscribe("b")}

	var wg sync.WaitGroup
	for _, ns := range []string{"obs:status", "bizhawk:message"} {
		wg.Add(1)
		go func(ns string) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				ev, err := events.New(ns, i)
				if err == nil {
					err = h.Publish(ev)
				}
				if err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(ns)
	}
	wg.Wait()

	for _, sub := range subs {
		sub.Close()
		next := map[string]int{}
		for ev := range sub.C() {
			var n int
			if err := json.Unmarshal(ev.Payload, &n); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != next[ev.Namespace] {
				t.Fatalf("%s: %s out of order, want %d got %d", sub.Name(), ev.Namespace, next[ev.Namespace], n)
			}
			next[ev.Namespace]++
		}
		for _, ns := range []string{"obs:status", "bizhawk:message"} {
			if next[ns] != perSource {
				t.Fatalf("%s: expected %d %s events, got %d", sub.Name(), perSource, ns, next[ns])
			}
		}
	}
}

func TestSlowSubscriberDoesNotBlockProducer(t *testing.T) {
	h := New(2)
	slow := h.Subscribe("slow")
	defer slow.Close()

	ev := mustEvent(t, "obs:status", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = h.Publish(ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("producer blocked on a full subscriber")
	}
	if slow.Dropped() != 8 {
		t.Fatalf("expected 8 dropped, got %d", slow.Dropped())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New(1)
	sub := h.Subscribe("x")
	sub.Close()
	sub.Close()
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Len())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if err := h.Publish(mustEvent(t, "obs:status", 1)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
