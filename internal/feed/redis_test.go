package feed_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentos/cafe-core/internal/config"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
)

func setupBus(t *testing.T) *feed.RedisBus {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	bus := feed.NewRedisBus(cfg)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func waitEvent(t *testing.T, ch <-chan feed.Event) feed.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return feed.Event{}
	}
}

func TestSubscribeFilterAndMask(t *testing.T) {
	ctx := context.Background()
	bus := setupBus(t)

	got := make(chan feed.Event, 4)
	handle, err := bus.Subscribe(ctx, feed.Subscription{
		Table:  "chat_requests",
		Events: feed.EventInsert,
		Filter: &feed.Filter{Column: "receiver_id", Equals: "user-b"},
	}, func(e feed.Event) { got <- e }, nil)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	row := func(receiver string) json.RawMessage {
		return json.RawMessage(`{"id":"req-1","receiver_id":"` + receiver + `"}`)
	}

	// wrong receiver → filtered out
	require.NoError(t, bus.Publish(ctx, feed.Event{Table: "chat_requests", Type: feed.EventInsert, New: row("user-c")}))
	// update → masked out
	require.NoError(t, bus.Publish(ctx, feed.Event{Table: "chat_requests", Type: feed.EventUpdate, New: row("user-b")}))
	// matching insert → delivered
	require.NoError(t, bus.Publish(ctx, feed.Event{Table: "chat_requests", Type: feed.EventInsert, New: row("user-b")}))

	e := waitEvent(t, got)
	assert.Equal(t, feed.EventInsert, e.Type)
	assert.Equal(t, "chat_requests", e.Table)

	select {
	case extra := <-got:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeReportsSubscribed(t *testing.T) {
	ctx := context.Background()
	bus := setupBus(t)

	statuses := make(chan feed.Status, 2)
	handle, err := bus.Subscribe(ctx, feed.Subscription{Table: "user_statuses"},
		func(feed.Event) {},
		func(s feed.Status, _ error) { statuses <- s },
	)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	select {
	case s := <-statuses:
		assert.Equal(t, feed.StatusSubscribed, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status callback")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := setupBus(t)

	got := make(chan feed.Event, 4)
	handle, err := bus.Subscribe(ctx, feed.Subscription{Table: "player_states"},
		func(e feed.Event) { got <- e }, nil)
	require.NoError(t, err)

	handle.Unsubscribe()
	// double-unsubscribe must be safe
	handle.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, feed.Event{
		Table: "player_states",
		Type:  feed.EventUpdate,
		New:   json.RawMessage(`{"user_id":"u1","x":10,"y":20}`),
	}))

	select {
	case e := <-got:
		t.Fatalf("event delivered after unsubscribe: %+v", e)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBroadcastRoundtrip(t *testing.T) {
	ctx := context.Background()
	bus := setupBus(t)

	type leaveNotice struct {
		UserIDWhoLeft string `json:"user_id_who_left"`
		Nickname      string `json:"nickname"`
	}

	got := make(chan leaveNotice, 1)
	handle, err := bus.SubscribeBroadcast(ctx, "room:abc", "user_left",
		func(payload json.RawMessage) {
			var n leaveNotice
			require.NoError(t, json.Unmarshal(payload, &n))
			got <- n
		}, nil)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	// unrelated event name on the same channel is ignored
	require.NoError(t, bus.Broadcast(ctx, "room:abc", "typing", map[string]string{"user": "u1"}))
	require.NoError(t, bus.Broadcast(ctx, "room:abc", "user_left", leaveNotice{UserIDWhoLeft: "u1", Nickname: "Aki"}))

	select {
	case n := <-got:
		assert.Equal(t, "u1", n.UserIDWhoLeft)
		assert.Equal(t, "Aki", n.Nickname)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

// TestSubscribeUnreachableServer: a failed subscription confirm surfaces
// the feed-unavailable sentinel so callers can classify it as transient.
func TestSubscribeUnreachableServer(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()
	bus := feed.NewRedisBus(cfg)
	t.Cleanup(func() { _ = bus.Close() })

	mr.Close() // server goes away before anyone subscribes

	_, err = bus.Subscribe(ctx, feed.Subscription{Table: "chat_requests"}, func(feed.Event) {}, nil)
	require.ErrorIs(t, err, svcErr.ErrFeedUnavailable)

	_, err = bus.SubscribeBroadcast(ctx, "room:abc", "user_left", func(json.RawMessage) {}, nil)
	require.ErrorIs(t, err, svcErr.ErrFeedUnavailable)
}
