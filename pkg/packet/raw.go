package packet

// Raw is a control packet whose variable header and payload are not
// interpreted by this package. The body is kept verbatim so the packet
// can be re-encoded byte for byte.
type Raw struct {
	FixedHeader

	Body []byte
}

// NewRaw creates a packet of the given type with its body.
func NewRaw(t Type, flags byte, body []byte) *Raw {
	return &Raw{
		FixedHeader: FixedHeader{PacketType: t, Flags: flags & flagsMask},
		Body:        body,
	}
}

// NewAck creates a PUBACK, PUBREC, PUBREL or PUBCOMP carrying packetID.
func NewAck(t Type, packetID uint16) *Raw {
	var flags byte
	if t == TypePubrel {
		flags = PubrelFlags
	}
	return NewRaw(t, flags, AppendUint16(nil, packetID))
}

// NewPingresp creates a PINGRESP packet.
func NewPingresp() *Raw {
	return NewRaw(TypePingresp, 0, nil)
}

// Type returns the packet type from the header.
func (r *Raw) Type() Type {
	return r.PacketType
}

// PacketID returns the leading packet identifier of an acknowledgement body.
func (r *Raw) PacketID() (uint16, bool) {
	id, _, err := ParseUint16(r.Body, 0)
	return id, err == nil
}

// Encode encodes the header followed by the body.
func (r *Raw) Encode() ([]byte, error) {
	if !r.PacketType.Valid() {
		return nil, ErrInvalidPacketType
	}
	return assemble(r.PacketType, r.Flags, r.Body)
}
