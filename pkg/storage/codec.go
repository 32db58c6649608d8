package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
)

// storedMessage is the msgpack record shared by persistent backends.
type storedMessage struct {
	Topic      string            `msgpack:"t"`
	Payload    []byte            `msgpack:"p"`
	QoS        byte              `msgpack:"q"`
	Retain     bool              `msgpack:"r,omitempty"`
	ID         uint16            `msgpack:"i"`
	Properties map[string]string `msgpack:"u,omitempty"`
	Timestamp  int64             `msgpack:"ts"` // unix nanoseconds
}

// MarshalMessage encodes m for storage.
func MarshalMessage(m *message.Message) ([]byte, error) {
	rec := storedMessage{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		QoS:        byte(m.QoS()),
		Retain:     m.Retain(),
		ID:         m.MessageID(),
		Properties: m.Properties(),
		Timestamp:  m.Timestamp().UnixNano(),
	}
	return msgpack.Marshal(&rec)
}

// UnmarshalMessage decodes a record written by MarshalMessage.
func UnmarshalMessage(data []byte) (*message.Message, error) {
	var rec storedMessage
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode message: %w", err)
	}
	return message.New(rec.Topic, rec.Payload, packet.QoS(rec.QoS), rec.Retain,
		message.WithMessageID(rec.ID),
		message.WithProperties(rec.Properties),
		message.WithTimestamp(time.Unix(0, rec.Timestamp).UTC()),
	)
}
