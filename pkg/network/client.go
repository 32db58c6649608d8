package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/packet"
)

// client is one connection past (or inside) the CONNECT handshake.
type client struct {
	server *Server

	// Connection
	raw    net.Conn // transport connection, used for TLS state
	conn   net.Conn // metered wrapper around raw
	reader *packet.Reader
	log    *slog.Logger

	// Set by the handshake
	id        string
	keepAlive uint16
	clean     bool

	// Outbound queue. It is never closed; writeLoop exits on done.
	outbound chan packet.Packet

	packetIDMu   sync.Mutex
	nextPacketID uint16

	graceful   atomic.Bool // DISCONNECT received
	closeOnce  sync.Once
	done       chan struct{} // closed by close
	writerDone chan struct{} // closed when writeLoop returns
	finished   chan struct{} // closed when teardown is complete
}

func newClient(s *Server, conn net.Conn) *client {
	metered := &meteredConn{Conn: conn, m: s.metrics, st: &s.stats}
	reader := packet.NewReader(metered, 4096)
	if s.config.MaxPacketSize > 0 {
		reader.SetMaxPacketSize(s.config.MaxPacketSize)
	}
	return &client{
		server:       s,
		raw:          conn,
		conn:         metered,
		reader:       reader,
		log:          s.log.With("remote_addr", remoteAddr(conn)),
		outbound:     make(chan packet.Packet, s.config.OutboundBuffer),
		nextPacketID: 1,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		finished:     make(chan struct{}),
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// close shuts the connection down. It is safe to call more than once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// send queues pkt, blocking until there is room, the client closes or
// ctx is done.
func (c *client) send(ctx context.Context, pkt packet.Packet) error {
	select {
	case <-c.done:
		return ErrClientNotConnected
	default:
	}

	select {
	case c.outbound <- pkt:
		return nil
	case <-c.done:
		return ErrClientNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues pkt without blocking and reports whether it was queued.
func (c *client) trySend(pkt packet.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- pkt:
		return true
	default:
		c.server.metrics.messagesDropped.Inc()
		c.log.Warn("outbound queue full, dropping packet", "type", pkt.Type())
		return false
	}
}

// writePacket encodes pkt and writes it to the connection.
func (c *client) writePacket(pkt packet.Packet) error {
	data, err := pkt.Encode()
	if err != nil {
		c.server.metrics.codecError(err)
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	c.server.metrics.packetSent(pkt.Type())
	return nil
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case pkt := <-c.outbound:
			if err := c.writePacket(pkt); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.log.Debug("write failed", "error", err)
				}
				if !packet.IsValidationError(err) {
					c.close()
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) readLoop() {
	for {
		c.extendDeadline()

		pkt, err := c.reader.ReadPacket()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.server.metrics.packetReceived(pkt.Type())

		if !c.handlePacket(pkt) {
			return
		}
	}
}

// extendDeadline allows one and a half keep-alive periods of silence.
func (c *client) extendDeadline() {
	if c.keepAlive == 0 {
		c.conn.SetReadDeadline(time.Time{})
		return
	}
	timeout := time.Duration(c.keepAlive) * time.Second * 3 / 2
	c.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *client) logReadError(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &netErr) && netErr.Timeout():
		c.log.Info("keep-alive timeout")
	case packet.IsProtocolError(err), packet.IsValidationError(err):
		c.server.metrics.codecError(err)
		c.log.Warn("malformed packet", "error", err)
	default:
		c.log.Debug("read failed", "error", err)
	}
}

// nextID generates the next packet identifier.
func (c *client) nextID() uint16 {
	c.packetIDMu.Lock()
	defer c.packetIDMu.Unlock()

	id := c.nextPacketID
	c.nextPacketID++
	if c.nextPacketID == 0 {
		c.nextPacketID = 1 // Skip 0
	}
	return id
}
