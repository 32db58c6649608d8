// Package message defines the application message that flows between
// connections, storage and will handling.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/packet"
)

var (
	ErrInvalidQoS       = errors.New("QoS must be 0, 1, or 2")
	ErrMessageIDMissing = errors.New("Message ID is required for QoS > 0")
	ErrEmptyTopic       = errors.New("topic must not be empty")
)

// Message is an immutable application message.
type Message struct {
	topic      string
	payload    []byte
	qos        packet.QoS
	retain     bool
	id         uint16
	properties map[string]string
	timestamp  time.Time
}

// Option configures optional Message fields.
type Option func(*Message)

// WithMessageID sets the message identifier. Zero means absent.
func WithMessageID(id uint16) Option {
	return func(m *Message) { m.id = id }
}

// WithProperties attaches user properties. The map is copied.
func WithProperties(props map[string]string) Option {
	return func(m *Message) { m.properties = maps.Clone(props) }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) { m.timestamp = ts }
}

// New creates a validated message. The payload is copied.
func New(topic string, payload []byte, qos packet.QoS, retain bool, opts ...Option) (*Message, error) {
	m := &Message{
		topic:   topic,
		payload: bytes.Clone(payload),
		qos:     qos,
		retain:  retain,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.timestamp.IsZero() {
		m.timestamp = time.Now().UTC()
	}
	if m.properties == nil {
		m.properties = map[string]string{}
	}

	if m.topic == "" {
		return nil, ErrEmptyTopic
	}
	if !m.qos.Valid() {
		return nil, fmt.Errorf("qos %d: %w", m.qos, ErrInvalidQoS)
	}
	if m.qos > packet.QoS0 && m.id == 0 {
		return nil, ErrMessageIDMissing
	}
	return m, nil
}

// FromPublish builds a message from a decoded PUBLISH packet.
func FromPublish(p *packet.Publish) (*Message, error) {
	return New(p.Topic, p.Payload, p.QoS, p.Retain, WithMessageID(p.PacketID))
}

// FromWill builds the will message announced in a CONNECT packet.
// Wills carry no identifier on the wire, so id is used when the will QoS
// is above 0. It returns nil when the packet carries no will.
func FromWill(c *packet.Connect, id uint16) (*Message, error) {
	if !c.WillFlag {
		return nil, nil
	}
	if c.WillQoS == packet.QoS0 {
		id = 0
	}
	return New(c.WillTopic, c.WillMessage, c.WillQoS, c.WillRetain, WithMessageID(id))
}

// Topic returns the topic name.
func (m *Message) Topic() string { return m.topic }

// Payload returns a copy of the payload.
func (m *Message) Payload() []byte { return bytes.Clone(m.payload) }

func (m *Message) QoS() packet.QoS { return m.qos }

func (m *Message) Retain() bool { return m.retain }

// MessageID returns the identifier, 0 when absent.
func (m *Message) MessageID() uint16 { return m.id }

// Timestamp returns the creation time in UTC.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// HasMessageID reports whether the message carries an identifier.
func (m *Message) HasMessageID() bool { return m.id != 0 }

// Properties returns a copy of the user properties.
func (m *Message) Properties() map[string]string {
	return maps.Clone(m.properties)
}

// Property returns a single user property.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// Publish converts the message into a PUBLISH packet for delivery.
// packetID replaces the stored identifier when the delivery QoS is above 0.
func (m *Message) Publish(qos packet.QoS, packetID uint16) *packet.Publish {
	p := packet.NewPublish(m.topic, m.payload, qos, m.retain)
	if qos > packet.QoS0 {
		p.PacketID = packetID
	}
	return p
}

// String is used in log output.
func (m *Message) String() string {
	return fmt.Sprintf("%s (qos=%d retain=%t id=%d bytes=%d)", m.topic, m.qos, m.retain, m.id, len(m.payload))
}
