package packet

import "fmt"

// Publish represents an MQTT PUBLISH packet.
// MQTT 3.1.1 Section 3.3
type Publish struct {
	FixedHeader

	// Fixed header flags
	Dup    bool // Duplicate delivery flag
	QoS    QoS  // Quality of Service level
	Retain bool // Retain flag

	// Variable header
	Topic    string
	PacketID uint16 // Packet identifier, 0 when absent. 0 is never valid on the wire.

	// Payload
	Payload []byte
}

// NewPublish creates a new PUBLISH packet.
func NewPublish(topic string, payload []byte, qos QoS, retain bool) *Publish {
	return &Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
}

// Type returns TypePublish.
func (p *Publish) Type() Type {
	return TypePublish
}

// flags returns the fixed header flags for this PUBLISH packet.
func (p *Publish) flags() byte {
	var flags byte
	if p.Retain {
		flags |= PublishFlagRetain
	}
	flags |= byte(p.QoS) << publishQoSShift
	if p.Dup {
		flags |= PublishFlagDup
	}
	return flags
}

// Validate checks the topic, QoS and packet identifier.
func (p *Publish) Validate() error {
	if p.Topic == "" {
		return ErrEmptyTopic
	}
	if !p.QoS.Valid() {
		return fmt.Errorf("QoS %d: %w", p.QoS, ErrQoSOutOfRange)
	}
	if p.QoS > QoS0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if p.QoS == QoS0 && p.PacketID != 0 {
		return ErrUnexpectedPacketID
	}
	return nil
}

// Encode encodes the PUBLISH packet.
func (p *Publish) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	size := 2 + len(p.Topic) + len(p.Payload)
	if p.QoS > QoS0 {
		size += packetIDSize
	}
	body := make([]byte, 0, size)

	body, err := AppendString(body, p.Topic)
	if err != nil {
		return nil, fmt.Errorf("publish: topic: %w", err)
	}
	if p.QoS > QoS0 {
		body = AppendUint16(body, p.PacketID)
	}
	body = append(body, p.Payload...)

	return assemble(TypePublish, p.flags(), body)
}

// DecodePublish decodes a PUBLISH packet from buf.
// flags are the fixed header flags (lower 4 bits of first byte).
// buf should contain the packet data starting after the fixed header.
func DecodePublish(flags byte, buf []byte) (*Publish, error) {
	p := &Publish{
		FixedHeader: FixedHeader{
			PacketType:      TypePublish,
			Flags:           flags & flagsMask,
			RemainingLength: uint32(len(buf)),
		},
		Retain: flags&PublishFlagRetain != 0,
		QoS:    QoS((flags & PublishFlagQoS) >> publishQoSShift),
		Dup:    flags&PublishFlagDup != 0,
	}

	if !p.QoS.Valid() {
		return nil, fmt.Errorf("publish: %w", ErrInvalidQoS)
	}

	topic, pos, err := ParseString(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("publish: topic: %w", err)
	}
	p.Topic = topic

	if p.QoS > QoS0 {
		if p.PacketID, pos, err = ParseUint16(buf, pos); err != nil {
			return nil, ErrMalformedPublish
		}
		// MQTT 3.1.1 Section 2.3.1
		if p.PacketID == 0 {
			return nil, ErrZeroPacketID
		}
	}

	// Payload (remaining bytes)
	if pos < len(buf) {
		p.Payload = make([]byte, len(buf)-pos)
		copy(p.Payload, buf[pos:])
	}

	return p, nil
}
