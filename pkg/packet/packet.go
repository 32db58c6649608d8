package packet

// Packet is the interface implemented by all MQTT control packets.
type Packet interface {
	// Type returns the packet type.
	Type() Type

	// Header returns the fixed header the packet was decoded with.
	// Packets built in code carry only what their constructor set.
	Header() FixedHeader

	// Encode returns the exact wire representation of the packet. It does
	// not modify the packet and may be called from several goroutines.
	Encode() ([]byte, error)
}

// FixedHeader is the header shared by every control packet.
// MQTT 3.1.1 Section 2.2
type FixedHeader struct {
	PacketType      Type
	Flags           byte   // lower 4 bits of the first byte
	RemainingLength uint32 // size of variable header + payload
}

// Header returns h. It is promoted into every packet variant.
func (h FixedHeader) Header() FixedHeader {
	return h
}

// Size returns the encoded size of the fixed header in bytes.
func (h FixedHeader) Size() int {
	return FixedHeaderSize(h.RemainingLength)
}
