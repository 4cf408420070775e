package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/hub"
)

const (
	keyPrefix  = "bridge:state:"
	DefaultTTL = 24 * time.Hour
)

// StateCache keeps the latest event per namespace. It is a lookup for dashboards, not a
// history; nothing in it is replayed to gateway clients.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStateCache(rdb *redis.Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StateCache{rdb: rdb, ttl: ttl}
}

// Close releases the redis client.
func (c *StateCache) Close() error { return c.rdb.Close() }

func key(namespace string) string { return keyPrefix + namespace }

func (c *StateCache) Set(ctx context.Context, ev events.Event) error {
	if err := ev.Valid(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(ev.Namespace), b, c.ttl).Err()
}

// Get returns the latest event for namespace; ok is false when none is cached.
func (c *StateCache) Get(ctx context.Context, namespace string) (ev events.Event, ok bool, err error) {
	b, err := c.rdb.Get(ctx, key(namespace)).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.Event{}, false, nil
	}
	if err != nil {
		return events.Event{}, false, err
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return events.Event{}, false, err
	}
	return ev, true, nil
}

// List returns every cached event ordered by namespace.
func (c *StateCache) List(ctx context.Context) ([]events.Event, error) {
	iter := c.rdb.Scan(ctx, 0, key("*"), 100).Iterator()
	var out []events.Event
	for iter.Next(ctx) {
		full := iter.Val()
		if !strings.HasPrefix(full, keyPrefix) {
			continue
		}
		ev, ok, err := c.Get(ctx, strings.TrimPrefix(full, keyPrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (c *StateCache) Delete(ctx context.Context, namespace string) error {
	return c.rdb.Del(ctx, key(namespace)).Err()
}

// Record stores every event from sub until ctx is done. Write failures are logged and the
// event is skipped.
func (c *StateCache) Record(ctx context.Context, sub *hub.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := c.Set(ctx, ev); err != nil && ctx.Err() == nil {
				slog.Warn("state cache write failed", "namespace", ev.Namespace, "error", err)
			}
		}
	}
}
