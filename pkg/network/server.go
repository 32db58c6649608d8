// Package network runs MQTT connections: it performs the CONNECT
// handshake, serves each client with a read loop and a write loop, and
// routes published messages to subscribers found in storage.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/auth"
	"github.com/bromq-dev/mqttcore/pkg/listeners"
	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/session"
	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/storage/memory"
)

var (
	// ErrClientNotConnected is returned when sending to an unknown client.
	ErrClientNotConnected = errors.New("client not connected")

	// ErrServerClosed is returned by operations on a stopped server.
	ErrServerClosed = errors.New("server closed")

	// ErrListenerExists is returned when adding a duplicate listener id.
	ErrListenerExists = errors.New("listener already exists")
)

// Config holds server configuration.
type Config struct {
	// ConnectTimeout is the time allowed for a client to send CONNECT after connecting.
	ConnectTimeout time.Duration

	// MaxPacketSize limits the maximum inbound packet size (0 = protocol max ~256MB).
	MaxPacketSize uint32

	// OutboundBuffer is the per-client queue length for outgoing packets.
	OutboundBuffer int

	// MaxClientIDLength rejects longer client ids with CONNACK 2 (0 = no limit).
	MaxClientIDLength int

	// Store holds messages and subscriptions. Default: in-memory.
	Store storage.Store

	// Sessions tracks sessions and wills. Default: in-memory.
	Sessions session.Manager

	// Auth authenticates and authorizes clients. Default: auth.AllowAll.
	Auth auth.Authenticator

	// PublishRate limits inbound PUBLISH packets per client per second
	// (0 = unlimited). Excess publishes are acknowledged and dropped.
	PublishRate int

	// PublishBurst is the bucket size for PublishRate (default: 2 * PublishRate).
	PublishBurst int

	// SessionSweep is how often expired persistent sessions are discarded
	// together with their subscriptions (0 = disabled). It needs a session
	// manager with CleanExpired, such as session.Memory.
	SessionSweep time.Duration

	// SysInterval publishes server counters to $SYS topics (0 = disabled).
	SysInterval time.Duration

	// Version is reported on $SYS/broker/version.
	Version string

	// Metrics records Prometheus metrics. Default: collectors on a private registry.
	Metrics *Metrics

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:    10 * time.Second,
		OutboundBuffer:    1024,
		MaxClientIDLength: 256,
	}
}

// Server accepts connections from its listeners and serves MQTT clients.
type Server struct {
	config   *Config
	log      *slog.Logger
	store    storage.Store
	sessions session.Manager
	auth     auth.Authenticator
	metrics  *Metrics

	listenersMu sync.RWMutex
	listeners   map[string]listeners.Listener

	clientsMu sync.RWMutex
	clients   map[string]*client // clientID -> client

	limiter   *rateLimiter
	stats     stats
	startTime time.Time
	autoID    atomic.Uint64

	// Lifecycle
	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // connections
	lwg     sync.WaitGroup // listeners
}

// New creates a server. Nil config fields are filled with defaults.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 1024
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = memory.NewStore()
	}
	sessions := config.Sessions
	if sessions == nil {
		sessions = session.NewMemory(&session.Config{Logger: log})
	}
	authenticator := config.Auth
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		log:       log,
		store:     store,
		sessions:  sessions,
		auth:      authenticator,
		metrics:   metrics,
		listeners: make(map[string]listeners.Listener),
		clients:   make(map[string]*client),
		limiter:   newRateLimiter(config.PublishRate, config.PublishBurst),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Store returns the server's storage backend.
func (s *Server) Store() storage.Store {
	return s.store
}

// AddListener registers a listener. Listeners added after Start begin
// serving immediately.
func (s *Server) AddListener(l listeners.Listener) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	if _, exists := s.listeners[l.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, l.ID())
	}
	s.listeners[l.ID()] = l
	if s.started.Load() {
		s.serve(l)
	}
	return nil
}

// Start serves every registered listener. It returns immediately; the
// server stops when ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.started.Swap(true) {
		return nil
	}

	s.listenersMu.RLock()
	for _, l := range s.listeners {
		s.serve(l)
	}
	s.listenersMu.RUnlock()

	if s.config.SysInterval > 0 {
		s.wg.Add(1)
		go s.sysLoop(s.config.SysInterval)
	}
	if e, ok := s.sessions.(sessionExpirer); ok && s.config.SessionSweep > 0 {
		s.wg.Add(1)
		go s.expireLoop(s.config.SessionSweep, e)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-s.ctx.Done():
		}
	}()

	s.log.Info("server started")
	return nil
}

func (s *Server) serve(l listeners.Listener) {
	s.lwg.Add(1)
	go func() {
		defer s.lwg.Done()
		if err := l.Serve(s); err != nil {
			s.log.Error("listener failed", "listener", l.ID(), "error", err)
		}
	}()
}

// Stop closes listeners and client connections, then waits for
// connection goroutines until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.listenersMu.RLock()
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, listeners.ErrClosed) {
			s.log.Warn("listener close failed", "listener", l.ID(), "error", err)
		}
	}
	s.listenersMu.RUnlock()
	s.lwg.Wait()

	s.clientsMu.RLock()
	for _, c := range s.clients {
		c.close()
	}
	s.clientsMu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnection serves a new transport connection in its own goroutine.
// It is called by listeners and may be called directly.
func (s *Server) HandleConnection(conn net.Conn) {
	if s.closed.Load() {
		conn.Close()
		return
	}

	s.metrics.connections.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(conn)
	}()
}

func (s *Server) handleConnection(conn net.Conn) {
	c := newClient(s, conn)
	defer close(c.finished)

	if !s.handshake(c) {
		c.conn.Close()
		return
	}
	defer s.teardown(c)

	go c.writeLoop()
	c.readLoop()
	c.close()
}

// SendMessage delivers m to a connected client at the message's QoS,
// blocking until the packet is queued or ctx is done.
func (s *Server) SendMessage(ctx context.Context, clientID string, m *message.Message) error {
	c := s.client(clientID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	var id uint16
	if m.QoS() > packet.QoS0 {
		id = c.nextID()
	}
	return c.send(ctx, m.Publish(m.QoS(), id))
}

// Subscribe records a subscription for clientID after asking the
// authenticator. The client need not be connected.
func (s *Server) Subscribe(ctx context.Context, clientID, filter string, qos packet.QoS) error {
	if err := s.auth.AuthorizeSubscribe(ctx, clientID, filter); err != nil {
		return err
	}
	return s.store.StoreSubscription(ctx, clientID, filter, qos)
}

// Unsubscribe removes a subscription.
func (s *Server) Unsubscribe(ctx context.Context, clientID, filter string) error {
	return s.store.RemoveSubscription(ctx, clientID, filter)
}

// Publish routes m to every matching connected subscriber and returns the
// number of deliveries queued.
func (s *Server) Publish(ctx context.Context, m *message.Message) (int, error) {
	if s.closed.Load() {
		return 0, ErrServerClosed
	}
	return s.route(ctx, m)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// IsClientConnected reports whether clientID has a live connection.
func (s *Server) IsClientConnected(clientID string) bool {
	return s.client(clientID) != nil
}

func (s *Server) client(clientID string) *client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.clients[clientID]
}

// register installs c under its id and returns the client it replaced.
func (s *Server) register(c *client) *client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	old := s.clients[c.id]
	s.clients[c.id] = c
	return old
}

// unregister removes c and reports whether it was still the registered
// client for its id.
func (s *Server) unregister(c *client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.clients[c.id] != c {
		return false
	}
	delete(s.clients, c.id)
	return true
}

// teardown runs once a handshaken client's read loop has ended. The
// client stays registered until its session is ended, so a reconnect
// under the same id waits for it as a takeover.
func (s *Server) teardown(c *client) {
	<-c.writerDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !c.graceful.Load() {
		will, err := s.sessions.TakeWill(ctx, c.id)
		if err != nil {
			c.log.Warn("take will failed", "error", err)
		} else if will != nil {
			c.log.Debug("publishing will", "topic", will.Topic())
			if _, err := s.route(ctx, will); err != nil {
				c.log.Warn("will routing failed", "error", err)
			}
		}
	}

	if err := s.sessions.EndSession(ctx, c.id); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.Warn("end session failed", "error", err)
	}
	if c.clean {
		if err := s.store.RemoveClient(ctx, c.id); err != nil {
			c.log.Warn("clear subscriptions failed", "error", err)
		}
	}

	current := s.unregister(c)
	s.metrics.clientsConnected.Dec()
	if current {
		s.limiter.forget(c.id)
	}

	// A replacement client has already authenticated under this id.
	if f, ok := s.auth.(interface{ Forget(clientID string) }); ok && current {
		f.Forget(c.id)
	}

	c.log.Info("client disconnected", "graceful", c.graceful.Load())
}
