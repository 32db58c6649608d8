package packet

import "fmt"

// Parse decodes the first complete packet in buf.
// It returns the packet and the number of bytes it occupied. When buf does
// not yet hold a whole packet the error matches ErrIncompletePacket and the
// caller should retry once more bytes are available.
func Parse(buf []byte) (Packet, int, error) {
	hdr, headerLen, err := ParseFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	total := headerLen + int(hdr.RemainingLength)
	if len(buf) < total {
		return nil, 0, ErrIncompletePacket
	}
	body := buf[headerLen:total]

	if err := checkFlags(hdr); err != nil {
		return nil, 0, err
	}

	var pkt Packet
	switch hdr.PacketType {
	case TypeConnect:
		pkt, err = DecodeConnect(body)
	case TypeConnack:
		pkt, err = DecodeConnack(body)
	case TypePublish:
		pkt, err = DecodePublish(hdr.Flags, body)
	default:
		raw := &Raw{FixedHeader: hdr}
		if len(body) > 0 {
			raw.Body = make([]byte, len(body))
			copy(raw.Body, body)
		}
		pkt = raw
	}
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

// checkFlags validates reserved flags for packet types that require specific values.
// MQTT 3.1.1 Section 2.2.2
func checkFlags(hdr FixedHeader) error {
	switch hdr.PacketType {
	case TypePublish:
		// PUBLISH flags are validated in DecodePublish
		return nil
	case TypePubrel, TypeSubscribe, TypeUnsubscribe:
		if hdr.Flags != PubrelFlags {
			return fmt.Errorf("%s flags %#x: %w", hdr.PacketType, hdr.Flags, ErrInvalidFlags)
		}
	default:
		if hdr.Flags != 0 {
			return fmt.Errorf("%s flags %#x: %w", hdr.PacketType, hdr.Flags, ErrInvalidFlags)
		}
	}
	return nil
}
