package packet

import "fmt"

// Connack represents an MQTT CONNACK packet.
// MQTT 3.1.1 Section 3.2
type Connack struct {
	FixedHeader

	// Session present flag
	SessionPresent bool

	ReturnCode ConnectReturnCode
}

// NewConnack creates a new CONNACK packet.
func NewConnack(sessionPresent bool, code ConnectReturnCode) *Connack {
	return &Connack{
		SessionPresent: sessionPresent,
		ReturnCode:     code,
	}
}

// Type returns TypeConnack.
func (c *Connack) Type() Type {
	return TypeConnack
}

// Validate checks the return code and session present combination.
func (c *Connack) Validate() error {
	if !c.ReturnCode.Valid() {
		return fmt.Errorf("return code %d: %w", c.ReturnCode, ErrReturnCodeOutOfRange)
	}
	// MQTT 3.1.1 Section 3.2.2.2
	if c.SessionPresent && c.ReturnCode != Accepted {
		return ErrSessionPresentRejected
	}
	return nil
}

// Encode encodes the CONNACK packet.
func (c *Connack) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var ackFlags byte
	if c.SessionPresent {
		ackFlags = connackFlagSessionPresent
	}

	return assemble(TypeConnack, 0, []byte{ackFlags, byte(c.ReturnCode)})
}

// DecodeConnack decodes a CONNACK packet from buf.
// buf should contain the packet data starting after the fixed header.
func DecodeConnack(buf []byte) (*Connack, error) {
	if len(buf) != 2 {
		return nil, ErrMalformedConnack
	}

	// Bits 7-1 must be 0
	if buf[0]&connackFlagsReserved != 0 {
		return nil, ErrMalformedConnack
	}

	code := ConnectReturnCode(buf[1])
	if !code.Valid() {
		return nil, fmt.Errorf("return code %d: %w", buf[1], ErrInvalidReturnCode)
	}

	return &Connack{
		FixedHeader:    FixedHeader{PacketType: TypeConnack, RemainingLength: 2},
		SessionPresent: buf[0]&connackFlagSessionPresent != 0,
		ReturnCode:     code,
	}, nil
}
