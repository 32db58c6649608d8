package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
)

func newWill(t *testing.T) *message.Message {
	t.Helper()
	m, err := message.New("status/dev", []byte("offline"), packet.QoS0, true)
	require.NoError(t, err)
	return m
}

func TestCleanSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	present, err := m.CreateSession(ctx, "c1", true)
	require.NoError(t, err)
	assert.False(t, present)

	data, err := m.SessionData(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, data.Connected)
	assert.True(t, data.CleanSession)

	require.NoError(t, m.EndSession(ctx, "c1"))
	_, err = m.SessionData(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistentSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	present, err := m.CreateSession(ctx, "c1", false)
	require.NoError(t, err)
	assert.False(t, present)
	require.NoError(t, m.EndSession(ctx, "c1"))

	data, err := m.SessionData(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, data.Connected)

	present, err = m.CreateSession(ctx, "c1", false)
	require.NoError(t, err)
	assert.True(t, present)

	// A clean connect discards the stored state.
	present, err = m.CreateSession(ctx, "c1", true)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestWill(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	will := newWill(t)

	assert.ErrorIs(t, m.StoreWillMessage(ctx, "nobody", will), ErrNotFound)

	_, err := m.CreateSession(ctx, "c1", true)
	require.NoError(t, err)
	require.NoError(t, m.StoreWillMessage(ctx, "c1", will))

	data, err := m.SessionData(ctx, "c1")
	require.NoError(t, err)
	assert.Same(t, will, data.Will)

	got, err := m.TakeWill(ctx, "c1")
	require.NoError(t, err)
	assert.Same(t, will, got)

	got, err = m.TakeWill(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.StoreWillMessage(ctx, "c1", will))
	require.NoError(t, m.ClearWill(ctx, "c1"))
	got, err = m.TakeWill(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionDataIsSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	_, err := m.CreateSession(ctx, "c1", false)
	require.NoError(t, err)

	data, err := m.SessionData(ctx, "c1")
	require.NoError(t, err)
	data.Connected = false

	again, err := m.SessionData(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, again.Connected)
}

func TestCleanExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(&Config{Expiry: time.Hour})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.CreateSession(ctx, "gone", false)
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "online", false)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx, "gone"))

	now = now.Add(30 * time.Minute)
	assert.Empty(t, m.CleanExpired())

	now = now.Add(time.Hour)
	assert.Equal(t, []string{"gone"}, m.CleanExpired())
	assert.Equal(t, 1, m.Count())
}

func TestEndUnknownSession(t *testing.T) {
	assert.ErrorIs(t, NewMemory(nil).EndSession(context.Background(), "x"), ErrNotFound)
}
