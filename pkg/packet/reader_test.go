package packet

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, pkts ...Packet) []byte {
	t.Helper()
	var out []byte
	for _, p := range pkts {
		data, err := p.Encode()
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func TestReaderOneByteAtATime(t *testing.T) {
	pub := NewPublish("big", bytes.Repeat([]byte("x"), 3000), QoS1, false)
	pub.PacketID = 3
	stream := encodeAll(t,
		NewConnect("reader"),
		pub,
		NewAck(TypePubrel, 3),
		NewRaw(TypePingreq, 0, nil),
	)

	r := NewReader(iotest.OneByteReader(bytes.NewReader(stream)), 0)

	var got []Type
	for {
		pkt, err := r.ReadPacket()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, pkt.Type())

		if p, ok := pkt.(*Publish); ok {
			assert.Len(t, p.Payload, 3000)
			assert.Equal(t, uint16(3), p.PacketID)
		}
	}
	assert.Equal(t, []Type{TypeConnect, TypePublish, TypePubrel, TypePingreq}, got)
}

func TestReaderTruncatedStream(t *testing.T) {
	data := encodeAll(t, NewConnect("cut"))
	r := NewReader(bytes.NewReader(data[:len(data)-3]), 0)

	_, err := r.ReadPacket()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderMaxPacketSize(t *testing.T) {
	data := encodeAll(t, NewPublish("topic", bytes.Repeat([]byte("y"), 64), QoS0, false))
	r := NewReader(bytes.NewReader(data), 0)
	r.SetMaxPacketSize(32)

	_, err := r.ReadPacket()
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestReaderProtocolError(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xC1, 0x00}), 0)
	_, err := r.ReadPacket()
	assert.ErrorIs(t, err, ErrInvalidFlags)
}

func TestReaderShortReads(t *testing.T) {
	data := encodeAll(t, NewConnect("a"), NewRaw(TypeDisconnect, 0, nil))
	r := NewReader(iotest.HalfReader(bytes.NewReader(data)), 0)

	pkt, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, TypeConnect, pkt.Type())

	pkt, err = r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, TypeDisconnect, pkt.Type())

	_, err = r.ReadPacket()
	assert.Equal(t, io.EOF, err)
}
