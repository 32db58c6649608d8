package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/auth"
	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
)

// handshake reads CONNECT and answers it with CONNACK. It reports
// whether the client was accepted and registered.
func (s *Server) handshake(c *client) bool {
	if s.config.ConnectTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(s.config.ConnectTimeout))
	}

	pkt, err := c.reader.ReadPacket()
	if err != nil {
		c.logReadError(err)
		return false
	}
	s.metrics.packetReceived(pkt.Type())

	connect, ok := pkt.(*packet.Connect)
	if !ok {
		c.log.Warn("first packet is not CONNECT", "type", pkt.Type())
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connectDeadline())
	defer cancel()

	code, present := s.accept(ctx, c, connect)
	accepted := code == packet.Accepted

	// Metrics are recorded before the CONNACK is written.
	s.metrics.connack(code)
	if accepted {
		s.metrics.clientsConnected.Inc()
		s.stats.clientsTotal.Add(1)
	}

	if err := c.writePacket(packet.NewConnack(present, code)); err != nil {
		c.log.Debug("connack write failed", "error", err)
		if accepted {
			s.metrics.clientsConnected.Dec()
			accepted = false
		}
	}
	if !accepted {
		if c.id != "" {
			s.abandon(ctx, c)
		}
		return false
	}

	c.log.Info("client connected",
		"clean_session", connect.CleanSession,
		"keep_alive", connect.KeepAlive,
		"session_present", present)
	return true
}

func (s *Server) connectDeadline() time.Duration {
	if s.config.ConnectTimeout > 0 {
		return s.config.ConnectTimeout
	}
	return 10 * time.Second
}

// accept decides the CONNACK return code. On success c is registered,
// its session exists and any will is stored. c.id is set once c has
// been registered.
func (s *Server) accept(ctx context.Context, c *client, connect *packet.Connect) (packet.ConnectReturnCode, bool) {
	if !supportedProtocol(connect) {
		c.log.Warn("unsupported protocol",
			"protocol", connect.ProtocolName, "level", byte(connect.ProtocolVersion))
		return packet.UnacceptableProtocolVersion, false
	}

	if err := connect.Validate(); err != nil {
		s.metrics.codecError(err)
		c.log.Warn("invalid CONNECT", "client_id", connect.ClientID, "error", err)
		return packet.IdentifierRejected, false
	}
	if limit := s.config.MaxClientIDLength; limit > 0 && len(connect.ClientID) > limit {
		c.log.Warn("client id too long", "length", len(connect.ClientID))
		return packet.IdentifierRejected, false
	}

	clientID := connect.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("auto-%d-%d", time.Now().UnixNano(), s.autoID.Add(1))
	}

	creds := auth.CredentialsFromConnect(connect)
	creds.ClientID = clientID
	if tc, ok := c.raw.(*tls.Conn); ok {
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			creds.Certificate = certs[0].Raw
		}
	}
	if err := s.auth.Authenticate(ctx, creds); err != nil {
		c.log.Warn("authentication failed", "client_id", clientID, "username", connect.Username, "error", err)
		return auth.ReturnCode(err), false
	}

	c.id = clientID
	c.keepAlive = connect.KeepAlive
	c.clean = connect.CleanSession
	c.log = c.log.With("client_id", clientID)

	if old := s.register(c); old != nil {
		c.log.Info("taking over existing connection")
		old.close()
		select {
		case <-old.finished:
		case <-ctx.Done():
			c.log.Warn("previous connection did not finish", "error", ctx.Err())
			return packet.ServerUnavailable, false
		}
	}

	if s.closed.Load() {
		return packet.ServerUnavailable, false
	}

	present, err := s.sessions.CreateSession(ctx, clientID, connect.CleanSession)
	if err != nil {
		c.log.Error("create session failed", "error", err)
		return packet.ServerUnavailable, false
	}
	if connect.CleanSession {
		if err := s.store.RemoveClient(ctx, clientID); err != nil {
			c.log.Error("clear subscriptions failed", "error", err)
			return packet.ServerUnavailable, false
		}
	}

	var willID uint16
	if connect.WillFlag && connect.WillQoS > packet.QoS0 {
		willID = c.nextID()
	}
	will, err := message.FromWill(connect, willID)
	if err != nil {
		c.log.Warn("invalid will", "error", err)
		return packet.ServerUnavailable, false
	}
	if will != nil {
		if err := s.sessions.StoreWillMessage(ctx, clientID, will); err != nil {
			c.log.Error("store will failed", "error", err)
			return packet.ServerUnavailable, false
		}
	}

	return packet.Accepted, present
}

// abandon undoes the registration of a client refused after register.
func (s *Server) abandon(ctx context.Context, c *client) {
	if s.unregister(c) {
		s.sessions.EndSession(ctx, c.id)
	}
}

func supportedProtocol(c *packet.Connect) bool {
	switch c.ProtocolVersion {
	case packet.Version311:
		return c.ProtocolName == packet.ProtocolName
	case packet.Version31:
		return c.ProtocolName == packet.ProtocolNameV31
	default:
		return false
	}
}
