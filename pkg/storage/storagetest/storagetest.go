// Package storagetest holds the behaviour every storage.Store backend
// must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/storage"
)

// Run exercises a backend. newStore must return an empty store; Run
// closes it.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("MessageWithoutID", func(t *testing.T) { testMessageWithoutID(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("RemoveClient", func(t *testing.T) { testRemoveClient(t, newStore(t)) })
	t.Run("Wildcards", func(t *testing.T) { testWildcards(t, newStore(t)) })
	t.Run("InvalidSubscription", func(t *testing.T) { testInvalidSubscription(t, newStore(t)) })
}

func testMessages(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	m, err := message.New("test/topic", []byte("payload"), packet.QoS1, true,
		message.WithMessageID(1),
		message.WithProperties(map[string]string{"k": "v"}),
		message.WithTimestamp(ts),
	)
	require.NoError(t, err)
	require.NoError(t, s.StoreMessage(ctx, m))

	got, err := s.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "test/topic", got.Topic())
	assert.Equal(t, []byte("payload"), got.Payload())
	assert.Equal(t, packet.QoS1, got.QoS())
	assert.True(t, got.Retain())
	assert.Equal(t, uint16(1), got.MessageID())
	assert.Equal(t, map[string]string{"k": "v"}, got.Properties())
	assert.True(t, ts.Equal(got.Timestamp()), "timestamp %v != %v", got.Timestamp(), ts)

	replacement, err := message.New("other", []byte("new"), packet.QoS2, false, message.WithMessageID(1))
	require.NoError(t, err)
	require.NoError(t, s.StoreMessage(ctx, replacement))

	got, err = s.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "other", got.Topic())

	_, err = s.GetMessage(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMessageWithoutID(t *testing.T, s storage.Store) {
	defer s.Close()

	m, err := message.New("a", []byte("x"), packet.QoS0, false)
	require.NoError(t, err)
	assert.ErrorIs(t, s.StoreMessage(context.Background(), m), storage.ErrNoMessageID)
}

func testSubscriptions(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.StoreSubscription(ctx, "client1", "test/topic", packet.QoS1))
	require.NoError(t, s.StoreSubscription(ctx, "client2", "test/topic", packet.QoS0))

	subs, err := s.GetSubscriptions(ctx, "test/topic")
	require.NoError(t, err)
	assert.Equal(t, []storage.Subscription{
		{ClientID: "client1", Filter: "test/topic", QoS: packet.QoS1},
		{ClientID: "client2", Filter: "test/topic", QoS: packet.QoS0},
	}, subs)

	// Re-subscribing updates the QoS.
	require.NoError(t, s.StoreSubscription(ctx, "client2", "test/topic", packet.QoS2))
	require.NoError(t, s.RemoveSubscription(ctx, "client1", "test/topic"))

	subs, err = s.GetSubscriptions(ctx, "test/topic")
	require.NoError(t, err)
	assert.Equal(t, []storage.Subscription{
		{ClientID: "client2", Filter: "test/topic", QoS: packet.QoS2},
	}, subs)

	require.NoError(t, s.RemoveSubscription(ctx, "client2", "test/topic"))
	require.NoError(t, s.RemoveSubscription(ctx, "nobody", "test/topic"))

	subs, err = s.GetSubscriptions(ctx, "test/topic")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func testRemoveClient(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.StoreSubscription(ctx, "gone", "a/b", packet.QoS1))
	require.NoError(t, s.StoreSubscription(ctx, "gone", "a/#", packet.QoS0))
	require.NoError(t, s.StoreSubscription(ctx, "stays", "a/#", packet.QoS2))

	require.NoError(t, s.RemoveClient(ctx, "gone"))
	require.NoError(t, s.RemoveClient(ctx, "nobody"))

	subs, err := s.GetSubscriptions(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []storage.Subscription{
		{ClientID: "stays", Filter: "a/#", QoS: packet.QoS2},
	}, subs)

	// The emptied filter can be subscribed again.
	require.NoError(t, s.StoreSubscription(ctx, "gone", "a/b", packet.QoS0))
	subs, err = s.GetSubscriptions(ctx, "a/b")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func testWildcards(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.StoreSubscription(ctx, "a", "sensors/+/temp", packet.QoS0))
	require.NoError(t, s.StoreSubscription(ctx, "b", "sensors/#", packet.QoS1))
	require.NoError(t, s.StoreSubscription(ctx, "c", "#", packet.QoS2))
	require.NoError(t, s.StoreSubscription(ctx, "d", "other/topic", packet.QoS0))

	subs, err := s.GetSubscriptions(ctx, "sensors/kitchen/temp")
	require.NoError(t, err)
	assert.Equal(t, []storage.Subscription{
		{ClientID: "a", Filter: "sensors/+/temp", QoS: packet.QoS0},
		{ClientID: "b", Filter: "sensors/#", QoS: packet.QoS1},
		{ClientID: "c", Filter: "#", QoS: packet.QoS2},
	}, subs)

	subs, err = s.GetSubscriptions(ctx, "$SYS/uptime")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func testInvalidSubscription(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	assert.ErrorIs(t, s.StoreSubscription(ctx, "c", "a/#/b", packet.QoS0), storage.ErrInvalidFilter)
	assert.ErrorIs(t, s.StoreSubscription(ctx, "c", "", packet.QoS0), storage.ErrInvalidFilter)
	assert.ErrorIs(t, s.StoreSubscription(ctx, "c", "a", packet.QoS(3)), storage.ErrInvalidQoS)
}
