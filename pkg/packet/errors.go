package packet

import "errors"

// ProtocolError reports malformed or structurally invalid wire data.
// A connection that produced one must be closed.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.msg
}

// ValidationError reports a well-formed packet whose field combination
// violates protocol rules.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.msg
}

// ErrIncompletePacket indicates more data is needed to complete the packet.
// It is neither a ProtocolError nor a ValidationError: the caller should
// buffer more bytes and parse again.
var ErrIncompletePacket = errors.New("incomplete packet")

// errIncomplete is an incomplete outcome with a more specific message.
type errIncomplete struct {
	msg string
}

func (e *errIncomplete) Error() string        { return e.msg }
func (e *errIncomplete) Is(target error) bool { return target == ErrIncompletePacket }

// ErrEmptyPacket is returned when parsing an empty buffer. It matches
// ErrIncompletePacket.
var ErrEmptyPacket error = &errIncomplete{msg: "empty packet"}

// Protocol errors.
var (
	// ErrRemainingLengthTooLarge indicates a remaining length that cannot be encoded in 4 bytes.
	ErrRemainingLengthTooLarge = &ProtocolError{"remaining length too large"}

	// ErrRemainingLengthTooLong indicates a remaining length field longer than 4 bytes.
	ErrRemainingLengthTooLong = &ProtocolError{"remaining length field too long"}

	// ErrPacketTooLarge indicates the packet exceeds maximum allowed size.
	ErrPacketTooLarge = &ProtocolError{"packet too large"}

	// ErrInvalidPacketType indicates an unknown or reserved packet type.
	ErrInvalidPacketType = &ProtocolError{"invalid packet type"}

	// ErrInvalidFlags indicates invalid fixed header flags for the packet type.
	ErrInvalidFlags = &ProtocolError{"invalid packet flags"}

	// ErrStringTooLong indicates a length-prefixed field longer than 65535 bytes.
	ErrStringTooLong = &ProtocolError{"string too long"}

	// ErrIncompleteLength indicates a field length prefix cut short.
	ErrIncompleteLength = &ProtocolError{"incomplete length"}

	// ErrIncompleteData indicates field data shorter than its length prefix.
	ErrIncompleteData = &ProtocolError{"incomplete data"}

	// ErrInvalidUTF8 indicates a string contains invalid UTF-8 or a null character.
	ErrInvalidUTF8 = &ProtocolError{"invalid UTF-8 string"}

	// ErrInvalidQoS indicates a QoS value of 3 decoded from the wire.
	ErrInvalidQoS = &ProtocolError{"invalid QoS level"}

	// ErrReservedFlag indicates the reserved CONNECT flag bit is set.
	ErrReservedFlag = &ProtocolError{"reserved connect flag set"}

	// ErrMalformedConnect indicates a structurally invalid CONNECT body.
	ErrMalformedConnect = &ProtocolError{"invalid CONNECT packet"}

	// ErrMalformedConnack indicates a structurally invalid CONNACK body.
	ErrMalformedConnack = &ProtocolError{"invalid CONNACK packet"}

	// ErrMalformedPublish indicates a structurally invalid PUBLISH body.
	ErrMalformedPublish = &ProtocolError{"invalid PUBLISH packet"}

	// ErrZeroPacketID indicates a QoS > 0 PUBLISH carrying packet identifier 0.
	ErrZeroPacketID = &ProtocolError{"packet identifier must be non-zero"}

	// ErrInvalidReturnCode indicates an unknown CONNACK return code.
	ErrInvalidReturnCode = &ProtocolError{"invalid connect return code"}
)

// Validation errors.
var (
	ErrClientIDRequired        = &ValidationError{"Client ID is required for non-clean sessions"}
	ErrQoSOutOfRange           = &ValidationError{"invalid QoS level"}
	ErrWillMismatch            = &ValidationError{"Will topic and message must both be present or absent"}
	ErrWillFlagsWithoutWill    = &ValidationError{"will QoS and retain require the will flag"}
	ErrPasswordWithoutUsername = &ValidationError{"password requires a username"}
	ErrEmptyTopic              = &ValidationError{"Topic cannot be empty"}
	ErrPacketIDRequired        = &ValidationError{"Packet ID is required for QoS > 0"}
	ErrUnexpectedPacketID      = &ValidationError{"Packet ID must not be set for QoS 0"}
	ErrReturnCodeOutOfRange    = &ValidationError{"invalid connect return code"}
	ErrSessionPresentRejected  = &ValidationError{"session present must be false when the connection is refused"}
)

// IsIncomplete reports whether err means more bytes are needed.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncompletePacket)
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
