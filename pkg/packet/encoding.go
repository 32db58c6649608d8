package packet

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// AppendRemainingLength appends n as a variable byte integer to dst.
// MQTT 3.1.1 Section 2.2.3
func AppendRemainingLength(dst []byte, n uint32) ([]byte, error) {
	var enc [maxVarIntBytes]byte
	i := 0
	for {
		if i == maxVarIntBytes {
			return dst, ErrRemainingLengthTooLarge
		}
		b := byte(n % varIntMultiplier)
		n /= varIntMultiplier
		if n > 0 {
			b |= varIntContinue
		}
		enc[i] = b
		i++
		if n == 0 {
			break
		}
	}
	return append(dst, enc[:i]...), nil
}

// DecodeRemainingLength decodes a variable byte integer starting at offset.
// It returns the value and the number of bytes consumed.
func DecodeRemainingLength(buf []byte, offset int) (value uint32, n int, err error) {
	var multiplier uint32 = 1
	for {
		if n == maxVarIntBytes {
			return 0, 0, ErrRemainingLengthTooLong
		}
		if offset+n >= len(buf) {
			return 0, 0, ErrIncompletePacket
		}
		b := buf[offset+n]
		n++
		value += uint32(b&varIntDataMask) * multiplier
		if value > MaxRemainingLength {
			return 0, 0, ErrPacketTooLarge
		}
		if b&varIntContinue == 0 {
			return value, n, nil
		}
		multiplier *= varIntMultiplier
	}
}

// RemainingLengthSize returns the number of bytes needed to encode n.
func RemainingLengthSize(n uint32) int {
	switch {
	case n < 128:
		return 1
	case n < 16384:
		return 2
	case n < 2097152:
		return 3
	default:
		return 4
	}
}

// AppendUint16 appends a 16-bit unsigned integer in big-endian order.
func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// ParseUint16 decodes a big-endian uint16 at offset and returns the offset past it.
func ParseUint16(buf []byte, offset int) (uint16, int, error) {
	if offset+2 > len(buf) {
		return 0, offset, ErrIncompleteData
	}
	return binary.BigEndian.Uint16(buf[offset:]), offset + 2, nil
}

// AppendString appends a UTF-8 string with a 2-byte length prefix.
// MQTT 3.1.1 Section 1.5.3
func AppendString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxFieldLength {
		return dst, ErrStringTooLong
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// AppendBytes appends binary data with a 2-byte length prefix.
func AppendBytes(dst []byte, b []byte) ([]byte, error) {
	if len(b) > MaxFieldLength {
		return dst, ErrStringTooLong
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...), nil
}

// ParseBytes decodes a length-prefixed byte field at offset.
// The returned slice is a copy; the second result is the offset past the field.
func ParseBytes(buf []byte, offset int) ([]byte, int, error) {
	data, next, err := fieldAt(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, next, nil
}

// ParseString decodes a length-prefixed UTF-8 string at offset and
// returns the string and the offset past it.
func ParseString(buf []byte, offset int) (string, int, error) {
	data, next, err := fieldAt(buf, offset)
	if err != nil {
		return "", offset, err
	}
	if err := ValidateUTF8String(data); err != nil {
		return "", offset, err
	}
	return string(data), next, nil
}

// fieldAt returns the field body at offset without copying.
func fieldAt(buf []byte, offset int) ([]byte, int, error) {
	if offset < 0 || offset+lengthFieldSize > len(buf) {
		return nil, offset, ErrIncompleteLength
	}
	flen := int(binary.BigEndian.Uint16(buf[offset:]))
	start := offset + lengthFieldSize
	end := start + flen
	if end > len(buf) {
		return nil, offset, ErrIncompleteData
	}
	return buf[start:end], end, nil
}

// ValidateUTF8String validates that a byte slice is valid UTF-8 without null characters.
// MQTT 3.1.1 Section 1.5.3
func ValidateUTF8String(data []byte) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	for _, c := range data {
		if c == 0 {
			return ErrInvalidUTF8
		}
	}
	return nil
}

// FixedHeaderSize calculates the size of the fixed header for a given remaining length.
func FixedHeaderSize(remainingLength uint32) int {
	return 1 + RemainingLengthSize(remainingLength)
}

// AppendFixedHeader appends the fixed header to dst.
func AppendFixedHeader(dst []byte, packetType Type, flags byte, remainingLength uint32) ([]byte, error) {
	if remainingLength > MaxRemainingLength {
		return dst, ErrPacketTooLarge
	}
	dst = append(dst, byte(packetType)<<typeShift|(flags&flagsMask))
	return AppendRemainingLength(dst, remainingLength)
}

// ParseFixedHeader decodes the fixed header at the start of buf.
// It returns the header and its encoded size.
func ParseFixedHeader(buf []byte) (FixedHeader, int, error) {
	if len(buf) == 0 {
		return FixedHeader{}, 0, ErrEmptyPacket
	}

	h := FixedHeader{
		PacketType: Type(buf[0] >> typeShift),
		Flags:      buf[0] & flagsMask,
	}
	if !h.PacketType.Valid() {
		return FixedHeader{}, 0, fmt.Errorf("type %d: %w", buf[0]>>typeShift, ErrInvalidPacketType)
	}

	rl, n, err := DecodeRemainingLength(buf, 1)
	if err != nil {
		return FixedHeader{}, 0, err
	}
	h.RemainingLength = rl
	return h, 1 + n, nil
}

// assemble prepends the fixed header to body.
func assemble(packetType Type, flags byte, body []byte) ([]byte, error) {
	if len(body) > MaxRemainingLength {
		return nil, ErrPacketTooLarge
	}
	rl := uint32(len(body))
	out := make([]byte, 0, FixedHeaderSize(rl)+len(body))
	out, err := AppendFixedHeader(out, packetType, flags, rl)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}
