package listeners

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds configuration for WebSocket listeners.
type WebSocketConfig struct {
	// TLSConfig enables TLS if set.
	TLSConfig *tls.Config

	// Path is the URL path to listen on. Default: "/mqtt".
	Path string

	// CheckOrigin validates the Origin header. If nil, all origins are allowed.
	CheckOrigin func(r *http.Request) bool

	// ReadBufferSize and WriteBufferSize size the upgrader's I/O buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// WebSocket serves MQTT over WebSocket binary frames with the "mqtt"
// subprotocol.
type WebSocket struct {
	id       string
	addr     string
	config   *WebSocketConfig
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	handler  ConnectionHandler
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewWebSocket creates a new WebSocket listener.
func NewWebSocket(id, addr string, config *WebSocketConfig) *WebSocket {
	if config == nil {
		config = &WebSocketConfig{}
	}
	if config.Path == "" {
		config.Path = "/mqtt"
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	return &WebSocket{
		id:     id,
		addr:   addr,
		config: config,
		log:    log.With("listener", id),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"mqtt"},
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
		},
		closed: make(chan struct{}),
	}
}

func (w *WebSocket) ID() string {
	return w.id
}

func (w *WebSocket) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Handler returns the HTTP handler that upgrades requests, for mounting
// on an existing server. handler receives the upgraded connections.
func (w *WebSocket) Handler(handler ConnectionHandler) http.Handler {
	w.mu.Lock()
	w.handler = handler
	w.mu.Unlock()
	return http.HandlerFunc(w.handleWebSocket)
}

func (w *WebSocket) Serve(handler ConnectionHandler) error {
	mux := http.NewServeMux()
	mux.Handle(w.config.Path, w.Handler(handler))

	var ln net.Listener
	var err error
	if w.config.TLSConfig != nil {
		ln, err = tls.Listen("tcp", w.addr, w.config.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", w.addr)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	select {
	case <-w.closed:
		w.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := w.server
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.log.Info("listening", "addr", ln.Addr().String(), "path", w.config.Path)

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebSocket) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "server closing", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	w.mu.Lock()
	handler := w.handler
	w.mu.Unlock()

	handler.HandleConnection(&wsConn{Conn: ws, remoteAddr: r.RemoteAddr})
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	select {
	case <-w.closed:
		w.mu.Unlock()
		return ErrClosed
	default:
		close(w.closed)
	}
	if w.server != nil {
		w.server.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

// wsConn adapts a websocket connection to net.Conn. Each Write is sent as
// one binary message; reads span message boundaries.
type wsConn struct {
	*websocket.Conn
	remoteAddr string

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr {
	return wsAddr(c.remoteAddr)
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

// wsAddr is the remote address of a WebSocket client.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
