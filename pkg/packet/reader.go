package packet

import (
	"fmt"
	"io"
)

// Reader reads MQTT packets from an io.Reader.
// It buffers partial reads and re-runs Parse until a whole packet is available.
type Reader struct {
	r             io.Reader
	buf           []byte
	pos           int
	end           int
	maxPacketSize uint32
}

// NewReader creates a new packet reader.
func NewReader(r io.Reader, bufSize int) *Reader {
	if bufSize < 1024 {
		bufSize = 1024
	}
	return &Reader{
		r:             r,
		buf:           make([]byte, bufSize),
		maxPacketSize: MaxPacketSize,
	}
}

// SetMaxPacketSize limits the total size of accepted packets.
// Zero restores the protocol maximum.
func (r *Reader) SetMaxPacketSize(n uint32) {
	if n == 0 || n > MaxPacketSize {
		n = MaxPacketSize
	}
	r.maxPacketSize = n
}

// fill reads more data into the buffer.
func (r *Reader) fill() error {
	// Shift remaining data to the beginning
	if r.pos > 0 {
		copy(r.buf, r.buf[r.pos:r.end])
		r.end -= r.pos
		r.pos = 0
	}

	// Grow buffer if needed
	if r.end == len(r.buf) {
		newBuf := make([]byte, len(r.buf)*2)
		copy(newBuf, r.buf)
		r.buf = newBuf
	}

	n, err := r.r.Read(r.buf[r.end:])
	if n > 0 {
		r.end += n
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// ReadPacket reads the next packet from the reader.
// A clean end of stream between packets returns io.EOF; one in the middle
// of a packet returns io.ErrUnexpectedEOF.
func (r *Reader) ReadPacket() (Packet, error) {
	for {
		data := r.buf[r.pos:r.end]

		if hdr, headerLen, err := ParseFixedHeader(data); err == nil {
			if size := uint32(headerLen) + hdr.RemainingLength; size > r.maxPacketSize {
				return nil, fmt.Errorf("%d bytes: %w", size, ErrPacketTooLarge)
			}
		}

		pkt, n, err := Parse(data)
		if err == nil {
			r.pos += n
			return pkt, nil
		}
		if !IsIncomplete(err) {
			return nil, err
		}

		if err := r.fill(); err != nil {
			if err == io.EOF && r.end > r.pos {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
