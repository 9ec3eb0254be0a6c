package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBroadcaster(client, "test.events", nil), client
}

func TestPublishDeliversEnvelope(t *testing.T) {
	b, client := newTestBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "test.events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	b.Publish(ctx, "inventory.received", map[string]any{"quantity": "10"})

	select {
	case msg := <-sub.Channel():
		var env struct {
			Event   string         `json:"event"`
			At      int64          `json:"at"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		require.Equal(t, "inventory.received", env.Event)
		require.NotZero(t, env.At)
		require.Equal(t, "10", env.Payload["quantity"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestListenForwardsEvents(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	require.NoError(t, b.Listen(ctx, func(event string, payload map[string]any) {
		got <- event
	}))

	// give the subscriber a moment to attach before publishing
	time.Sleep(50 * time.Millisecond)
	b.Publish(ctx, "lot.expiring", nil)

	select {
	case event := <-got:
		require.Equal(t, "lot.expiring", event)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never fired")
	}
}

func TestNilClientIsNoOp(t *testing.T) {
	b := NewBroadcaster(nil, "", nil)
	b.Publish(context.Background(), "inventory.received", nil)
	require.NoError(t, b.Listen(context.Background(), nil))
}
