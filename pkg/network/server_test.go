package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttcore/pkg/auth"
	"github.com/bromq-dev/mqttcore/pkg/listeners"
	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/session"
)

const testTimeout = 2 * time.Second

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemory(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(&MetricsConfig{Registry: prometheus.NewRegistry()})
	}
	s := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})
	return s
}

// testClient is the client end of a net.Pipe served by the server.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *packet.Reader
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	s.HandleConnection(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{t: t, conn: clientSide, reader: packet.NewReader(clientSide, 0)}
}

func (tc *testClient) write(pkt packet.Packet) {
	tc.t.Helper()
	data, err := pkt.Encode()
	require.NoError(tc.t, err)
	tc.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err = tc.conn.Write(data)
	require.NoError(tc.t, err)
}

func (tc *testClient) read() packet.Packet {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(testTimeout))
	pkt, err := tc.reader.ReadPacket()
	require.NoError(tc.t, err)
	return pkt
}

func (tc *testClient) expectClosed() {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := tc.reader.ReadPacket()
	assert.True(tc.t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe), "got %v", err)
}

func (tc *testClient) expectConnack(code packet.ConnectReturnCode) *packet.Connack {
	tc.t.Helper()
	connack, ok := tc.read().(*packet.Connack)
	require.True(tc.t, ok, "expected CONNACK")
	assert.Equal(tc.t, code, connack.ReturnCode)
	return connack
}

func (tc *testClient) expectPublish() *packet.Publish {
	tc.t.Helper()
	pub, ok := tc.read().(*packet.Publish)
	require.True(tc.t, ok, "expected PUBLISH")
	return pub
}

func (tc *testClient) expectAck(t packet.Type, id uint16) {
	tc.t.Helper()
	raw, ok := tc.read().(*packet.Raw)
	require.True(tc.t, ok, "expected %s", t)
	assert.Equal(tc.t, t, raw.Type())
	got, ok := raw.PacketID()
	require.True(tc.t, ok)
	assert.Equal(tc.t, id, got)
}

func connect(t *testing.T, s *Server, clientID string, opts ...func(*packet.Connect)) *testClient {
	t.Helper()
	tc := dial(t, s)
	c := packet.NewConnect(clientID)
	for _, opt := range opts {
		opt(c)
	}
	tc.write(c)
	tc.expectConnack(packet.Accepted)
	return tc
}

func publish(t *testing.T, topicName, payload string, qos packet.QoS, id uint16) *packet.Publish {
	t.Helper()
	p := packet.NewPublish(topicName, []byte(payload), qos, false)
	p.PacketID = id
	return p
}

func subscribe(t *testing.T, id uint16, filter string, qos packet.QoS) *packet.Raw {
	t.Helper()
	body := packet.AppendUint16(nil, id)
	body, err := packet.AppendString(body, filter)
	require.NoError(t, err)
	return packet.NewRaw(packet.TypeSubscribe, packet.SubscribeFlags, append(body, byte(qos)))
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnectAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	tc := dial(t, s)

	tc.write(packet.NewConnect("c1"))
	connack := tc.expectConnack(packet.Accepted)
	assert.False(t, connack.SessionPresent)

	assert.True(t, s.IsClientConnected("c1"))
	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.connacks.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.clientsConnected))
}

func TestConnectRefused(t *testing.T) {
	static := auth.NewStatic(&auth.StaticConfig{
		Users: map[string]string{"alice": "secret"},
	})

	tests := []struct {
		name    string
		connect func(c *packet.Connect)
		code    packet.ConnectReturnCode
	}{
		{
			name:    "protocol level 5",
			connect: func(c *packet.Connect) { c.ProtocolVersion = 5 },
			code:    packet.UnacceptableProtocolVersion,
		},
		{
			name:    "wrong protocol name",
			connect: func(c *packet.Connect) { c.ProtocolName = "MQTX" },
			code:    packet.UnacceptableProtocolVersion,
		},
		{
			name:    "client id too long",
			connect: func(c *packet.Connect) { c.ClientID = strings.Repeat("x", 300) },
			code:    packet.IdentifierRejected,
		},
		{
			name:    "bad password",
			connect: func(c *packet.Connect) { c.SetCredentials("alice", []byte("wrong")) },
			code:    packet.BadUsernameOrPassword,
		},
		{
			name:    "no username",
			connect: func(c *packet.Connect) {},
			code:    packet.NotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &Config{MaxClientIDLength: 256, Auth: static})
			tc := dial(t, s)

			c := packet.NewConnect("dev")
			tt.connect(c)
			tc.write(c)

			connack := tc.expectConnack(tt.code)
			assert.False(t, connack.SessionPresent)
			tc.expectClosed()
			assert.Equal(t, 0, s.ClientCount())
		})
	}
}

func TestConnectWithCredentials(t *testing.T) {
	static := auth.NewStatic(&auth.StaticConfig{
		Users: map[string]string{"alice": "secret"},
	})
	s := newTestServer(t, &Config{Auth: static})

	connect(t, s, "dev", func(c *packet.Connect) {
		c.SetCredentials("alice", []byte("secret"))
	})
	assert.True(t, s.IsClientConnected("dev"))
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	s := newTestServer(t, nil)
	tc := dial(t, s)

	tc.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	tc.expectClosed()
	assert.Equal(t, 0, s.ClientCount())
}

func TestGeneratedClientID(t *testing.T) {
	s := newTestServer(t, nil)
	connect(t, s, "")
	assert.Equal(t, 1, s.ClientCount())

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for id := range s.clients {
		assert.True(t, strings.HasPrefix(id, "auto-"), id)
	}
}

func TestPingreq(t *testing.T) {
	s := newTestServer(t, nil)
	tc := connect(t, s, "c1")

	tc.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	assert.Equal(t, packet.TypePingresp, tc.read().Type())
}

func TestPublishRouting(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	sub := connect(t, s, "sub")
	require.NoError(t, s.Subscribe(ctx, "sub", "sensors/+", packet.QoS1))
	require.NoError(t, s.Subscribe(ctx, "sub", "sensors/#", packet.QoS0))
	pub := connect(t, s, "pub")

	pub.write(publish(t, "sensors/temp", "21.5", packet.QoS2, 7))
	pub.expectAck(packet.TypePubrec, 7)

	got := sub.expectPublish()
	assert.Equal(t, "sensors/temp", got.Topic)
	assert.Equal(t, []byte("21.5"), got.Payload)
	assert.Equal(t, packet.QoS1, got.QoS, "highest granted QoS, capped by the message")
	assert.NotZero(t, got.PacketID)

	// Two matching filters yield a single copy.
	sub.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	assert.Equal(t, packet.TypePingresp, sub.read().Type())

	stored, err := s.Store().GetMessage(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "sensors/temp", stored.Topic())

	pub.write(packet.NewAck(packet.TypePubrel, 7))
	pub.expectAck(packet.TypePubcomp, 7)
}

func TestPublishQoS1Puback(t *testing.T) {
	s := newTestServer(t, nil)
	pub := connect(t, s, "pub")

	pub.write(publish(t, "a/b", "x", packet.QoS1, 42))
	pub.expectAck(packet.TypePuback, 42)
}

func TestPublishInvalidTopicCloses(t *testing.T) {
	s := newTestServer(t, nil)
	pub := connect(t, s, "pub")

	pub.write(publish(t, "a/+", "x", packet.QoS0, 0))
	pub.expectClosed()
}

func TestPublishNotAuthorized(t *testing.T) {
	static := auth.NewStatic(&auth.StaticConfig{
		Rules:         []auth.Rule{{ClientID: "*", Filter: "open/#", Read: true, Write: true}},
		DenyByDefault: true,
	})
	s := newTestServer(t, &Config{Auth: static})
	ctx := context.Background()

	sub := connect(t, s, "sub")
	require.NoError(t, s.Subscribe(ctx, "sub", "open/#", packet.QoS0))
	assert.ErrorIs(t, s.Subscribe(ctx, "sub", "closed/#", packet.QoS0), auth.ErrNotAuthorized)

	pub := connect(t, s, "pub")
	pub.write(publish(t, "closed/x", "no", packet.QoS1, 1))
	pub.expectAck(packet.TypePuback, 1)

	pub.write(publish(t, "open/x", "yes", packet.QoS0, 0))
	got := sub.expectPublish()
	assert.Equal(t, "open/x", got.Topic)
}

func TestSubscribePacket(t *testing.T) {
	s := newTestServer(t, nil)
	sub := connect(t, s, "sub")

	body := packet.AppendUint16(nil, 10)
	body, _ = packet.AppendString(body, "a/#")
	body = append(body, byte(packet.QoS1))
	body, _ = packet.AppendString(body, "bad/#/x")
	body = append(body, byte(packet.QoS0))
	sub.write(packet.NewRaw(packet.TypeSubscribe, packet.SubscribeFlags, body))

	raw, ok := sub.read().(*packet.Raw)
	require.True(t, ok)
	assert.Equal(t, packet.TypeSuback, raw.Type())
	assert.Equal(t, []byte{0x00, 0x0A, 0x01, subackFailure}, raw.Body)

	pub := connect(t, s, "pub")
	pub.write(publish(t, "a/b", "hi", packet.QoS0, 0))
	assert.Equal(t, "a/b", sub.expectPublish().Topic)

	body = packet.AppendUint16(nil, 11)
	body, _ = packet.AppendString(body, "a/#")
	sub.write(packet.NewRaw(packet.TypeUnsubscribe, packet.UnsubscribeFlags, body))
	sub.expectAck(packet.TypeUnsuback, 11)

	subs, err := s.Store().GetSubscriptions(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMalformedSubscribeCloses(t *testing.T) {
	s := newTestServer(t, nil)
	sub := connect(t, s, "sub")

	body := packet.AppendUint16(nil, 1)
	body, _ = packet.AppendString(body, "a")
	sub.write(packet.NewRaw(packet.TypeSubscribe, packet.SubscribeFlags, body))
	sub.expectClosed()
}

func withWill(c *packet.Connect) {
	c.SetWill("status/dev", []byte("offline"), packet.QoS1, false)
}

func TestWillOnAbruptClose(t *testing.T) {
	s := newTestServer(t, nil)
	sub := connect(t, s, "sub")
	require.NoError(t, s.Subscribe(context.Background(), "sub", "status/+", packet.QoS1))

	dev := connect(t, s, "dev", withWill)
	dev.conn.Close()

	got := sub.expectPublish()
	assert.Equal(t, "status/dev", got.Topic)
	assert.Equal(t, []byte("offline"), got.Payload)
	assert.Equal(t, packet.QoS1, got.QoS)
}

func TestNoWillAfterDisconnect(t *testing.T) {
	sessions := session.NewMemory(nil)
	s := newTestServer(t, &Config{Sessions: sessions})
	sub := connect(t, s, "sub")
	require.NoError(t, s.Subscribe(context.Background(), "sub", "status/+", packet.QoS1))

	dev := connect(t, s, "dev", withWill)
	dev.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	dev.expectClosed()

	require.Eventually(t, func() bool {
		_, err := sessions.SessionData(context.Background(), "dev")
		return errors.Is(err, session.ErrNotFound)
	}, testTimeout, 5*time.Millisecond)

	sub.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	assert.Equal(t, packet.TypePingresp, sub.read().Type())
}

func TestTakeover(t *testing.T) {
	s := newTestServer(t, nil)

	first := connect(t, s, "dup")
	second := connect(t, s, "dup")
	first.expectClosed()

	assert.Equal(t, 1, s.ClientCount())
	second.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	assert.Equal(t, packet.TypePingresp, second.read().Type())
}

func TestPersistentSessionPresent(t *testing.T) {
	s := newTestServer(t, nil)
	persistent := func(c *packet.Connect) { c.CleanSession = false }

	first := connect(t, s, "p1", persistent)
	first.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	first.expectClosed()
	require.Eventually(t, func() bool { return !s.IsClientConnected("p1") }, testTimeout, 5*time.Millisecond)

	tc := dial(t, s)
	c := packet.NewConnect("p1")
	persistent(c)
	tc.write(c)
	assert.True(t, tc.expectConnack(packet.Accepted).SessionPresent)
}

func TestPersistentSessionKeepsSubscriptions(t *testing.T) {
	s := newTestServer(t, nil)
	persistent := func(c *packet.Connect) { c.CleanSession = false }

	first := connect(t, s, "p1", persistent)
	first.write(subscribe(t, 1, "keep/#", packet.QoS0))
	assert.Equal(t, packet.TypeSuback, first.read().Type())
	first.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	first.expectClosed()
	require.Eventually(t, func() bool { return !s.IsClientConnected("p1") }, testTimeout, 5*time.Millisecond)

	second := connect(t, s, "p1", persistent)
	m, err := message.New("keep/x", []byte("still here"), packet.QoS0, false)
	require.NoError(t, err)
	n, err := s.Publish(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("still here"), second.expectPublish().Payload)
}

func TestCleanSessionDropsSubscriptions(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	first := connect(t, s, "clean1")
	first.write(subscribe(t, 1, "t", packet.QoS0))
	assert.Equal(t, packet.TypeSuback, first.read().Type())
	first.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	first.expectClosed()

	require.Eventually(t, func() bool {
		subs, err := s.Store().GetSubscriptions(ctx, "t")
		return err == nil && len(subs) == 0
	}, testTimeout, 5*time.Millisecond)

	connect(t, s, "clean1")
	m, err := message.New("t", []byte("leak"), packet.QoS0, false)
	require.NoError(t, err)
	n, err := s.Publish(ctx, m)
	require.NoError(t, err)
	assert.Zero(t, n, "a new clean session starts without subscriptions")
}

func TestCleanSessionDiscardsPersistentSubscriptions(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	first := connect(t, s, "p1", func(c *packet.Connect) { c.CleanSession = false })
	first.write(subscribe(t, 1, "old/#", packet.QoS1))
	assert.Equal(t, packet.TypeSuback, first.read().Type())
	first.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	first.expectClosed()
	require.Eventually(t, func() bool { return !s.IsClientConnected("p1") }, testTimeout, 5*time.Millisecond)

	connect(t, s, "p1")
	subs, err := s.Store().GetSubscriptions(ctx, "old/x")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestExpiredSessionDropsSubscriptions(t *testing.T) {
	sessions := session.NewMemory(&session.Config{Expiry: time.Millisecond})
	s := newTestServer(t, &Config{Sessions: sessions, SessionSweep: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	tc := connect(t, s, "p1", func(c *packet.Connect) { c.CleanSession = false })
	require.NoError(t, s.Subscribe(ctx, "p1", "gone/#", packet.QoS0))
	tc.write(packet.NewRaw(packet.TypeDisconnect, 0, nil))
	tc.expectClosed()

	require.Eventually(t, func() bool {
		subs, err := s.Store().GetSubscriptions(ctx, "gone/x")
		return err == nil && len(subs) == 0 && sessions.Count() == 0
	}, testTimeout, 5*time.Millisecond)
}

func TestConnectLogHasSingleClientID(t *testing.T) {
	var logs lockedBuffer
	s := newTestServer(t, &Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	connect(t, s, "c1")

	var line string
	require.Eventually(t, func() bool {
		for _, l := range strings.Split(logs.String(), "\n") {
			if strings.Contains(l, "client connected") {
				line = l
				return true
			}
		}
		return false
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, strings.Count(line, "client_id="), line)
}

func TestSendMessage(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	m, err := message.New("direct/x", []byte("hello"), packet.QoS1, false, message.WithMessageID(9))
	require.NoError(t, err)

	assert.ErrorIs(t, s.SendMessage(ctx, "nobody", m), ErrClientNotConnected)

	tc := connect(t, s, "c1")
	require.NoError(t, s.SendMessage(ctx, "c1", m))

	got := tc.expectPublish()
	assert.Equal(t, "direct/x", got.Topic)
	assert.Equal(t, packet.QoS1, got.QoS)
	assert.Equal(t, uint16(1), got.PacketID)
}

func TestPublishAPI(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	tc := connect(t, s, "c1")
	require.NoError(t, s.Subscribe(ctx, "c1", "x/#", packet.QoS0))
	require.NoError(t, s.Subscribe(ctx, "offline", "x/#", packet.QoS0))

	m, err := message.New("x/y", []byte("1"), packet.QoS0, false)
	require.NoError(t, err)
	n, err := s.Publish(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "x/y", tc.expectPublish().Topic)
}

func TestMetricsCounted(t *testing.T) {
	s := newTestServer(t, nil)
	tc := connect(t, s, "c1")
	tc.write(packet.NewRaw(packet.TypePingreq, 0, nil))
	tc.read()

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.packetsReceived.WithLabelValues("PINGREQ")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.packetsSent.WithLabelValues("CONNACK")))
	assert.Greater(t, testutil.ToFloat64(s.metrics.bytesReceived), 0.0)
}

func TestAddListenerDuplicate(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.AddListener(listeners.NewTCP("tcp", "127.0.0.1:0", nil)))
	assert.ErrorIs(t, s.AddListener(listeners.NewTCP("tcp", "127.0.0.1:0", nil)), ErrListenerExists)
}

func TestStopClosesClients(t *testing.T) {
	s := New(&Config{Metrics: NewMetrics(nil)})
	tc := connect(t, s, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	tc.expectClosed()
	assert.Equal(t, 0, s.ClientCount())
	assert.ErrorIs(t, s.Start(ctx), ErrServerClosed)
}

func TestServeTCP(t *testing.T) {
	s := newTestServer(t, nil)
	tcp := listeners.NewTCP("tcp", "127.0.0.1:0", nil)
	require.NoError(t, s.AddListener(tcp))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-tcp.Ready():
	case <-time.After(testTimeout):
		t.Fatal("listener not ready")
	}

	conn, err := net.Dial("tcp", tcp.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	tc := &testClient{t: t, conn: conn, reader: packet.NewReader(conn, 0)}
	tc.write(packet.NewConnect("tcp-client"))
	tc.expectConnack(packet.Accepted)
}

func TestSysTopics(t *testing.T) {
	s := newTestServer(t, &Config{SysInterval: 20 * time.Millisecond, Version: "1.2.3"})
	sub := connect(t, s, "sys")
	require.NoError(t, s.Subscribe(context.Background(), "sys", "$SYS/broker/version", packet.QoS0))
	require.NoError(t, s.Start(context.Background()))

	got := sub.expectPublish()
	assert.Equal(t, "$SYS/broker/version", got.Topic)
	assert.Equal(t, []byte("1.2.3"), got.Payload)

	st := s.Stats()
	assert.Equal(t, int64(1), st.ClientsTotal)
	assert.Equal(t, int64(1), st.ClientsConnected)
	assert.Positive(t, st.BytesReceived)
}
