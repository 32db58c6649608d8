package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/bromq-dev/mqttcore/pkg/auth"
	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/topic"
)

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

// handlePacket processes a packet from a connected client and reports
// whether the connection should stay open.
func (c *client) handlePacket(pkt packet.Packet) bool {
	switch p := pkt.(type) {
	case *packet.Publish:
		return c.handlePublish(p)
	case *packet.Connect:
		c.log.Warn("second CONNECT, closing")
		return false
	case *packet.Connack:
		c.log.Warn("CONNACK from client, closing")
		return false
	case *packet.Raw:
		return c.handleRaw(p)
	default:
		c.log.Debug("ignoring packet", "type", pkt.Type())
		return true
	}
}

func (c *client) handleRaw(p *packet.Raw) bool {
	switch p.Type() {
	case packet.TypePingreq:
		c.trySend(packet.NewPingresp())
	case packet.TypePubrec:
		if id, ok := p.PacketID(); ok {
			c.trySend(packet.NewAck(packet.TypePubrel, id))
		}
	case packet.TypePubrel:
		if id, ok := p.PacketID(); ok {
			c.trySend(packet.NewAck(packet.TypePubcomp, id))
		}
	case packet.TypeSubscribe:
		if err := c.handleSubscribe(p); err != nil {
			c.server.metrics.codecError(err)
			c.log.Warn("malformed SUBSCRIBE", "error", err)
			return false
		}
	case packet.TypeUnsubscribe:
		if err := c.handleUnsubscribe(p); err != nil {
			c.server.metrics.codecError(err)
			c.log.Warn("malformed UNSUBSCRIBE", "error", err)
			return false
		}
	case packet.TypeDisconnect:
		c.graceful.Store(true)
		if err := c.server.sessions.ClearWill(c.server.ctx, c.id); err != nil {
			c.log.Warn("clear will failed", "error", err)
		}
		return false
	default:
		c.log.Debug("ignoring packet", "type", p.Type())
	}
	return true
}

func (c *client) handlePublish(p *packet.Publish) bool {
	if err := p.Validate(); err != nil {
		c.server.metrics.codecError(err)
		c.log.Warn("invalid PUBLISH", "error", err)
		return false
	}
	if err := topic.ValidateName(p.Topic); err != nil {
		c.log.Warn("invalid topic name", "topic", p.Topic, "error", err)
		return false
	}

	s := c.server
	s.stats.messagesReceived.Add(1)
	if !s.limiter.allow(c.id) {
		s.metrics.publishesThrottled.Inc()
		c.log.Debug("publish rate exceeded", "topic", p.Topic)
		c.ackPublish(p)
		return true
	}

	ctx := s.ctx
	if err := s.auth.AuthorizePublish(ctx, c.id, p.Topic); err != nil {
		// 3.1.1 has no negative PUBACK; the message is dropped and acknowledged.
		c.log.Info("publish not authorized", "topic", p.Topic, "error", err)
		c.ackPublish(p)
		return true
	}

	m, err := message.FromPublish(p)
	if err != nil {
		c.log.Warn("invalid message", "error", err)
		return false
	}
	if m.HasMessageID() {
		if err := s.store.StoreMessage(ctx, m); err != nil {
			c.log.Error("store message failed", "message", m, "error", err)
		}
	}
	if _, err := s.route(ctx, m); err != nil {
		c.log.Error("routing failed", "topic", m.Topic(), "error", err)
	}

	c.ackPublish(p)
	return true
}

func (c *client) ackPublish(p *packet.Publish) {
	switch p.QoS {
	case packet.QoS1:
		c.trySend(packet.NewAck(packet.TypePuback, p.PacketID))
	case packet.QoS2:
		c.trySend(packet.NewAck(packet.TypePubrec, p.PacketID))
	}
}

// handleSubscribe decodes a SUBSCRIBE body: a packet id followed by
// (filter, requested QoS) pairs. Refused filters get 0x80 in the SUBACK.
func (c *client) handleSubscribe(p *packet.Raw) error {
	id, pos, err := packet.ParseUint16(p.Body, 0)
	if err != nil {
		return fmt.Errorf("subscribe: packet id: %w", err)
	}

	s := c.server
	suback := packet.AppendUint16(nil, id)
	for pos < len(p.Body) {
		var filter string
		if filter, pos, err = packet.ParseString(p.Body, pos); err != nil {
			return fmt.Errorf("subscribe: filter: %w", err)
		}
		if pos >= len(p.Body) {
			return fmt.Errorf("subscribe: %q: missing QoS: %w", filter, packet.ErrIncompleteData)
		}
		qos := packet.QoS(p.Body[pos])
		pos++
		if !qos.Valid() {
			return fmt.Errorf("subscribe: %q: %w", filter, packet.ErrInvalidQoS)
		}

		if err := s.Subscribe(s.ctx, c.id, filter, qos); err != nil {
			lvl := c.log.Warn
			if errors.Is(err, auth.ErrNotAuthorized) {
				lvl = c.log.Info
			}
			lvl("subscription refused", "filter", filter, "error", err)
			suback = append(suback, subackFailure)
			continue
		}
		c.log.Debug("subscribed", "filter", filter, "qos", qos)
		suback = append(suback, byte(qos))
	}
	if len(suback) == 2 {
		return fmt.Errorf("subscribe: no topic filters: %w", packet.ErrIncompleteData)
	}

	c.trySend(packet.NewRaw(packet.TypeSuback, 0, suback))
	return nil
}

// handleUnsubscribe decodes an UNSUBSCRIBE body: a packet id followed by
// topic filters.
func (c *client) handleUnsubscribe(p *packet.Raw) error {
	id, pos, err := packet.ParseUint16(p.Body, 0)
	if err != nil {
		return fmt.Errorf("unsubscribe: packet id: %w", err)
	}

	var filters []string
	for pos < len(p.Body) {
		var filter string
		if filter, pos, err = packet.ParseString(p.Body, pos); err != nil {
			return fmt.Errorf("unsubscribe: filter: %w", err)
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return fmt.Errorf("unsubscribe: no topic filters: %w", packet.ErrIncompleteData)
	}

	for _, filter := range filters {
		if err := c.server.Unsubscribe(c.server.ctx, c.id, filter); err != nil {
			c.log.Warn("unsubscribe failed", "filter", filter, "error", err)
		}
	}
	c.trySend(packet.NewAck(packet.TypeUnsuback, id))
	return nil
}

// readAuthorizer is implemented by authenticators that filter deliveries.
type readAuthorizer interface {
	CanRead(clientID, topicName string) bool
}

// route delivers m to every connected client with a matching
// subscription. A client with several matching filters receives one copy
// at the highest granted QoS, capped by the message QoS. Offline clients
// are skipped.
func (s *Server) route(ctx context.Context, m *message.Message) (int, error) {
	subs, err := s.store.GetSubscriptions(ctx, m.Topic())
	if err != nil {
		return 0, err
	}

	granted := make(map[string]packet.QoS, len(subs))
	for _, sub := range subs {
		if q, ok := granted[sub.ClientID]; !ok || sub.QoS > q {
			granted[sub.ClientID] = sub.QoS
		}
	}

	reader, filtered := s.auth.(readAuthorizer)
	delivered := 0
	for clientID, qos := range granted {
		c := s.client(clientID)
		if c == nil {
			continue
		}
		if filtered && !reader.CanRead(clientID, m.Topic()) {
			continue
		}

		qos = min(qos, m.QoS())
		var id uint16
		if qos > packet.QoS0 {
			id = c.nextID()
		}
		if c.trySend(m.Publish(qos, id)) {
			delivered++
		}
	}

	s.metrics.messagesRouted.Add(float64(delivered))
	s.stats.messagesSent.Add(int64(delivered))
	return delivered, nil
}
