package packet

import (
	"encoding/binary"
	"fmt"
)

// Connect represents an MQTT CONNECT packet.
// MQTT 3.1.1 Section 3.1
type Connect struct {
	FixedHeader

	// Protocol identification
	ProtocolName    string  // "MQTT" for v3.1.1
	ProtocolVersion Version // 4 for v3.1.1

	CleanSession bool

	// Keep alive (seconds)
	KeepAlive uint16

	// Payload fields
	ClientID string

	WillFlag    bool
	WillTopic   string
	WillMessage []byte
	WillQoS     QoS
	WillRetain  bool

	UsernameFlag bool
	Username     string

	PasswordFlag bool
	Password     []byte
}

// NewConnect creates a CONNECT packet with protocol defaults applied.
func NewConnect(clientID string) *Connect {
	return &Connect{
		ProtocolName:    ProtocolName,
		ProtocolVersion: Version311,
		CleanSession:    true,
		KeepAlive:       DefaultKeepAlive,
		ClientID:        clientID,
	}
}

// Type returns TypeConnect.
func (c *Connect) Type() Type {
	return TypeConnect
}

// SetWill sets the will message and raises the will flag.
func (c *Connect) SetWill(topic string, message []byte, qos QoS, retain bool) {
	c.WillFlag = true
	c.WillTopic = topic
	c.WillMessage = message
	c.WillQoS = qos
	c.WillRetain = retain
}

// SetCredentials sets username and password and raises both flags.
// A nil password leaves the password flag clear.
func (c *Connect) SetCredentials(username string, password []byte) {
	c.UsernameFlag = true
	c.Username = username
	c.PasswordFlag = password != nil
	c.Password = password
}

// Validate checks the field combination against MQTT 3.1.1 rules.
func (c *Connect) Validate() error {
	if c.ClientID == "" && !c.CleanSession {
		return ErrClientIDRequired
	}
	if !c.WillQoS.Valid() {
		return fmt.Errorf("will QoS %d: %w", c.WillQoS, ErrQoSOutOfRange)
	}
	if c.WillFlag {
		if c.WillTopic == "" || c.WillMessage == nil {
			return ErrWillMismatch
		}
	} else {
		if c.WillTopic != "" || len(c.WillMessage) > 0 {
			return ErrWillMismatch
		}
		if c.WillQoS != QoS0 || c.WillRetain {
			return ErrWillFlagsWithoutWill
		}
	}
	if c.PasswordFlag && !c.UsernameFlag {
		return ErrPasswordWithoutUsername
	}
	return nil
}

func (c *Connect) flags() byte {
	var flags byte
	if c.CleanSession {
		flags |= connectFlagCleanSession
	}
	if c.WillFlag {
		flags |= connectFlagWill
		flags |= byte(c.WillQoS) << connectWillQoSShift
		if c.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if c.PasswordFlag {
		flags |= connectFlagPassword
	}
	if c.UsernameFlag {
		flags |= connectFlagUsername
	}
	return flags
}

// Encode encodes the CONNECT packet.
func (c *Connect) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	size := 2 + len(c.ProtocolName) + 1 + 1 + keepAliveSize + 2 + len(c.ClientID)
	if c.WillFlag {
		size += 2 + len(c.WillTopic) + 2 + len(c.WillMessage)
	}
	if c.UsernameFlag {
		size += 2 + len(c.Username)
	}
	if c.PasswordFlag {
		size += 2 + len(c.Password)
	}
	body := make([]byte, 0, size)

	// Variable header
	body, err := AppendString(body, c.ProtocolName)
	if err != nil {
		return nil, fmt.Errorf("connect: protocol name: %w", err)
	}
	body = append(body, byte(c.ProtocolVersion), c.flags())
	body = AppendUint16(body, c.KeepAlive)

	// Payload
	if body, err = AppendString(body, c.ClientID); err != nil {
		return nil, fmt.Errorf("connect: client id: %w", err)
	}
	if c.WillFlag {
		if body, err = AppendString(body, c.WillTopic); err != nil {
			return nil, fmt.Errorf("connect: will topic: %w", err)
		}
		if body, err = AppendBytes(body, c.WillMessage); err != nil {
			return nil, fmt.Errorf("connect: will message: %w", err)
		}
	}
	if c.UsernameFlag {
		if body, err = AppendString(body, c.Username); err != nil {
			return nil, fmt.Errorf("connect: username: %w", err)
		}
	}
	if c.PasswordFlag {
		if body, err = AppendBytes(body, c.Password); err != nil {
			return nil, fmt.Errorf("connect: password: %w", err)
		}
	}

	return assemble(TypeConnect, 0, body)
}

// DecodeConnect decodes a CONNECT packet from buf.
// buf should contain the packet data starting after the fixed header.
func DecodeConnect(buf []byte) (*Connect, error) {
	c := &Connect{
		FixedHeader: FixedHeader{PacketType: TypeConnect, RemainingLength: uint32(len(buf))},
	}

	name, pos, err := ParseString(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("connect: protocol name: %w", err)
	}
	c.ProtocolName = name

	// Protocol level, connect flags and keep alive
	if pos+2+keepAliveSize > len(buf) {
		return nil, ErrMalformedConnect
	}
	c.ProtocolVersion = Version(buf[pos])
	flags := buf[pos+1]
	c.KeepAlive = binary.BigEndian.Uint16(buf[pos+2:])
	pos += 2 + keepAliveSize

	if flags&connectFlagReserved != 0 {
		return nil, ErrReservedFlag
	}

	c.CleanSession = flags&connectFlagCleanSession != 0
	c.WillFlag = flags&connectFlagWill != 0
	c.WillQoS = QoS((flags & connectFlagWillQoS) >> connectWillQoSShift)
	c.WillRetain = flags&connectFlagWillRetain != 0
	c.PasswordFlag = flags&connectFlagPassword != 0
	c.UsernameFlag = flags&connectFlagUsername != 0

	if c.WillFlag {
		if !c.WillQoS.Valid() {
			return nil, fmt.Errorf("connect: will: %w", ErrInvalidQoS)
		}
	} else if c.WillQoS != QoS0 || c.WillRetain {
		return nil, ErrMalformedConnect
	}
	if c.PasswordFlag && !c.UsernameFlag {
		return nil, ErrMalformedConnect
	}

	if c.ClientID, pos, err = ParseString(buf, pos); err != nil {
		return nil, fmt.Errorf("connect: client id: %w", err)
	}

	if c.WillFlag {
		if c.WillTopic, pos, err = ParseString(buf, pos); err != nil {
			return nil, fmt.Errorf("connect: will topic: %w", err)
		}
		if c.WillMessage, pos, err = ParseBytes(buf, pos); err != nil {
			return nil, fmt.Errorf("connect: will message: %w", err)
		}
	}

	if c.UsernameFlag {
		if c.Username, pos, err = ParseString(buf, pos); err != nil {
			return nil, fmt.Errorf("connect: username: %w", err)
		}
	}

	if c.PasswordFlag {
		if c.Password, _, err = ParseBytes(buf, pos); err != nil {
			return nil, fmt.Errorf("connect: password: %w", err)
		}
	}

	return c, nil
}
