// Package wire implements the framed message protocol (spec.md §3, §4.1,
// §6): a fixed big-endian header followed by an opaque, self-describing
// payload, plus the Stream that parses a byte-duplex into a sequence of
// Messages.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

// HeaderSize is the wire size, in bytes, of a Message header.
const HeaderSize = 4 * 5

// MaxPayload bounds a single frame's payload so a corrupt length field
// cannot make a peer allocate unbounded memory.
const MaxPayload = 64 << 20 // 64 MiB

// ChunkSize is the largest slice of bytes a single on_receive/on_transmit
// call reads or writes, per spec.md §4.1.
const ChunkSize = 16 << 10 // 16 KiB

// Message is the unit of transport: a header plus an opaque payload. Callers
// encode/decode the payload themselves via Encode/Decode in codec.go.
type Message struct {
	DstID   uint32
	SrcID   uint32
	Handle  uint32
	ReplyTo uint32
	Payload []byte
}

// Encode serializes the header and payload into a single wire frame.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.DstID)
	binary.BigEndian.PutUint32(buf[4:8], m.SrcID)
	binary.BigEndian.PutUint32(buf[8:12], m.Handle)
	binary.BigEndian.PutUint32(buf[12:16], m.ReplyTo)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// DecodeHeader parses a HeaderSize-byte slice into dst/src/handle/reply_to
// and the payload length. A length above MaxPayload is rejected with
// ErrStream, so callers can allocate the payload buffer safely.
func DecodeHeader(buf []byte) (dst, src, handle, replyTo, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: short header (%d bytes)", definition.ErrStream, len(buf))
	}
	dst = binary.BigEndian.Uint32(buf[0:4])
	src = binary.BigEndian.Uint32(buf[4:8])
	handle = binary.BigEndian.Uint32(buf[8:12])
	replyTo = binary.BigEndian.Uint32(buf[12:16])
	length = binary.BigEndian.Uint32(buf[16:20])
	if length > MaxPayload {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: payload of %d bytes exceeds MaxPayload", definition.ErrStream, length)
	}
	return dst, src, handle, replyTo, length, nil
}
