package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "fabrex.events"

// Broadcaster publishes domain events over Redis pub/sub. Delivery is
// fire-and-forget: a publish failure is logged and never fails the business
// operation that produced the event.
type Broadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBroadcaster builds a Broadcaster. A nil client yields a no-op publisher,
// which keeps services usable without Redis (tests, local runs).
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, logger: logger}
}

type envelope struct {
	Event   string         `json:"event"`
	At      int64          `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Publish sends one event to the configured channel.
func (b *Broadcaster) Publish(ctx context.Context, event string, payload map[string]any) {
	if b == nil || b.client == nil {
		return
	}
	raw, err := json.Marshal(envelope{
		Event:   event,
		At:      time.Now().UnixMilli(),
		Payload: payload,
	})
	if err != nil {
		b.logger.Warn("notify: marshal event failed", "event", event, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("notify: publish failed", "event", event, "error", err)
	}
}

// Listen subscribes to the event channel and forwards decoded envelopes to fn
// until the context is cancelled. Used by the worker to fan events out.
func (b *Broadcaster) Listen(ctx context.Context, fn func(event string, payload map[string]any)) error {
	if b == nil || b.client == nil || fn == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("notify: drop malformed event", "error", err)
					continue
				}
				fn(env.Event, env.Payload)
			}
		}
	}()
	return nil
}
