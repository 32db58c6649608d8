// Package packet provides MQTT 3.1.1 control packet encoding and decoding.
// Every function in this package is a pure transform over caller-owned
// buffers and is safe for concurrent use.
package packet

// Type represents an MQTT control packet type.
type Type byte

// MQTT Control Packet types as defined in MQTT 3.1.1 Section 2.2.1
const (
	TypeConnect     Type = 1  // Client request to connect to Server
	TypeConnack     Type = 2  // Connect acknowledgment
	TypePublish     Type = 3  // Publish message
	TypePuback      Type = 4  // Publish acknowledgment (QoS 1)
	TypePubrec      Type = 5  // Publish received (QoS 2 part 1)
	TypePubrel      Type = 6  // Publish release (QoS 2 part 2)
	TypePubcomp     Type = 7  // Publish complete (QoS 2 part 3)
	TypeSubscribe   Type = 8  // Subscribe request
	TypeSuback      Type = 9  // Subscribe acknowledgment
	TypeUnsubscribe Type = 10 // Unsubscribe request
	TypeUnsuback    Type = 11 // Unsubscribe acknowledgment
	TypePingreq     Type = 12 // PING request
	TypePingresp    Type = 13 // PING response
	TypeDisconnect  Type = 14 // Disconnect notification
)

// String returns the string representation of the packet type.
func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnack:
		return "CONNACK"
	case TypePublish:
		return "PUBLISH"
	case TypePuback:
		return "PUBACK"
	case TypePubrec:
		return "PUBREC"
	case TypePubrel:
		return "PUBREL"
	case TypePubcomp:
		return "PUBCOMP"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeSuback:
		return "SUBACK"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeUnsuback:
		return "UNSUBACK"
	case TypePingreq:
		return "PINGREQ"
	case TypePingresp:
		return "PINGRESP"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return "RESERVED"
	}
}

// Valid returns true if the packet type is valid.
func (t Type) Valid() bool {
	return t >= TypeConnect && t <= TypeDisconnect
}

// Version represents an MQTT protocol level.
type Version byte

const (
	Version31  Version = 3 // MQTT 3.1
	Version311 Version = 4 // MQTT 3.1.1
)

// String returns the string representation of the MQTT version.
func (v Version) String() string {
	switch v {
	case Version31:
		return "3.1"
	case Version311:
		return "3.1.1"
	default:
		return "unknown"
	}
}

// QoS represents MQTT Quality of Service level.
type QoS byte

const (
	QoS0 QoS = 0 // At most once delivery
	QoS1 QoS = 1 // At least once delivery
	QoS2 QoS = 2 // Exactly once delivery
)

// Valid returns true if the QoS level is valid.
func (q QoS) Valid() bool {
	return q <= QoS2
}

// String returns the string representation of the QoS level.
func (q QoS) String() string {
	switch q {
	case QoS0:
		return "QoS0"
	case QoS1:
		return "QoS1"
	case QoS2:
		return "QoS2"
	default:
		return "invalid"
	}
}

// ConnectReturnCode is the CONNACK return code.
// MQTT 3.1.1 Section 3.2.2.3
type ConnectReturnCode byte

const (
	Accepted                    ConnectReturnCode = 0
	UnacceptableProtocolVersion ConnectReturnCode = 1
	IdentifierRejected          ConnectReturnCode = 2
	ServerUnavailable           ConnectReturnCode = 3
	BadUsernameOrPassword       ConnectReturnCode = 4
	NotAuthorized               ConnectReturnCode = 5
)

// Valid returns true if the return code is defined by the protocol.
func (c ConnectReturnCode) Valid() bool {
	return c <= NotAuthorized
}

func (c ConnectReturnCode) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case UnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case BadUsernameOrPassword:
		return "bad username or password"
	case NotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// Protocol defaults.
const (
	ProtocolName     = "MQTT"   // Protocol name for MQTT 3.1.1
	ProtocolNameV31  = "MQIsdp" // Protocol name for MQTT 3.1
	DefaultKeepAlive = 60       // seconds
)

// Protocol limits. These are fixed by the wire format and not tunable.
const (
	// MaxRemainingLength is the maximum remaining length value (256MB - 1).
	MaxRemainingLength = 268435455

	// MaxPacketSize is the maximum total packet size including fixed header.
	MaxPacketSize = MaxRemainingLength + 5

	// MaxFieldLength bounds every length-prefixed string or byte field.
	MaxFieldLength = 65535

	// MaxClientIDLength is advisory only; longer client IDs are accepted.
	MaxClientIDLength = 23

	maxVarIntBytes  = 4
	lengthFieldSize = 2
	keepAliveSize   = 2
	packetIDSize    = 2
)

// Fixed header layout.
const (
	typeShift        = 4
	flagsMask        = 0x0F
	varIntDataMask   = 0x7F
	varIntContinue   = 0x80
	varIntMultiplier = 128
)

// Fixed header flag bits for specific packet types.
const (
	// PUBLISH flags (bits 3-0 of first byte)
	PublishFlagRetain = 1 << 0 // Bit 0: RETAIN flag
	PublishFlagQoS    = 0x06   // Bits 2-1: QoS level
	PublishFlagDup    = 1 << 3 // Bit 3: DUP flag

	publishQoSShift = 1

	// Reserved flags that MUST be set for certain packet types
	PubrelFlags      = 0x02 // PUBREL MUST have flags 0010
	SubscribeFlags   = 0x02 // SUBSCRIBE MUST have flags 0010
	UnsubscribeFlags = 0x02 // UNSUBSCRIBE MUST have flags 0010
)

// CONNECT flag bits (MQTT 3.1.1 Section 3.1.2.3).
const (
	connectFlagReserved     = 1 << 0
	connectFlagCleanSession = 1 << 1
	connectFlagWill         = 1 << 2
	connectFlagWillQoS      = 0x18
	connectFlagWillRetain   = 1 << 5
	connectFlagPassword     = 1 << 6
	connectFlagUsername     = 1 << 7

	connectWillQoSShift = 3
)

// CONNACK acknowledge flag bits.
const (
	connackFlagSessionPresent = 1 << 0
	connackFlagsReserved      = 0xFE
)
