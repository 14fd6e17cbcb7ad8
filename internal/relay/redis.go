package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const subscriberBuffer = 64

// RedisBus publishes events over Redis pub/sub, one channel per actor.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("relay: redis client is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log.With("component", "redis_bus")}, nil
}

func (b *RedisBus) Publish(ctx context.Context, actorIDs []string, ev calls.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	channels := make([]string, 0, len(actorIDs))
	seen := make(map[string]struct{}, len(actorIDs))
	for _, id := range actorIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		channels = append(channels, ChannelFor(id))
	}
	if _, err := utils.PublishFanout(ctx, b.rdb, channels, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, so no event
// published after it returns can be missed.
func (b *RedisBus) Subscribe(ctx context.Context, actorID string) (<-chan calls.Event, func(), error) {
	channel := ChannelFor(actorID)
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan calls.Event, subscriberBuffer)
	done := make(chan struct{})
	log := b.log.With("channel", channel)

	go forwardEvents(ps.Channel(), out, done, log)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				log.Debug("pubsub close failed", "err", err)
			}
		})
	}
	return out, cancel, nil
}

// forwardEvents decodes pub/sub messages onto out until msgs closes or done
// fires, then closes out. Undecodable and malformed events are dropped.
func forwardEvents(msgs <-chan *redis.Message, out chan<- calls.Event, done <-chan struct{}, log *slog.Logger) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev calls.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("drop undecodable event", "err", err)
				continue
			}
			if !ev.Valid() {
				log.Warn("drop malformed event", "kind", ev.Kind, "op", ev.Op)
				continue
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}
}
