package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPConfig holds configuration for TCP listeners.
type TCPConfig struct {
	// TLSConfig enables TLS if set.
	TLSConfig *tls.Config

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// TCP is a plain or TLS TCP listener.
type TCP struct {
	id     string
	addr   string
	config *TCPConfig
	log    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewTCP creates a new TCP listener on addr.
func NewTCP(id, addr string, config *TCPConfig) *TCP {
	if config == nil {
		config = &TCPConfig{}
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &TCP{
		id:     id,
		addr:   addr,
		config: config,
		log:    log.With("listener", id),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (t *TCP) ID() string {
	return t.id
}

func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Ready is closed once the socket is bound.
func (t *TCP) Ready() <-chan struct{} {
	return t.ready
}

func (t *TCP) Serve(handler ConnectionHandler) error {
	var l net.Listener
	var err error
	if t.config.TLSConfig != nil {
		l, err = tls.Listen("tcp", t.addr, t.config.TLSConfig)
	} else {
		l, err = net.Listen("tcp", t.addr)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		l.Close()
		return nil
	default:
	}
	t.listener = l
	t.wg.Add(1)
	t.mu.Unlock()
	close(t.ready)
	defer t.wg.Done()

	t.log.Info("listening", "addr", l.Addr().String(), "tls", t.config.TLSConfig != nil)

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			t.log.Warn("accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		handler.HandleConnection(conn)
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return ErrClosed
	default:
		close(t.closed)
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
