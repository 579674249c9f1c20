package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/roomchat/go-chat-server/internal/metrics"
)

// Codec encodes/decodes length-prefixed chat packets. Stateless and safe for
// concurrent use.
//
// Wire layout (big-endian):
//
//	+--------+--------+--------+--------+============+
//	|   length (u16)  |    type (u16)   |  payload   |
//	+--------+--------+--------+--------+============+
//	                   <------- length bytes ------->
type Codec struct{}

// ErrBadLength is returned when a packet length field is below 2 or exceeds
// 2+MaxPayload. The connection must be closed; resynchronization is not
// attempted.
var ErrBadLength = errors.New("protocol: invalid packet length")

// Decode attempts to extract one packet from the front of b.
//
// Outcomes:
//   - (pkt, true, nil): a whole packet was present; its bytes are removed
//     from b and the tail compacted to the front.
//   - (_, false, nil): need more bytes; b is not mutated.
//   - (_, false, err): protocol violation; b is not mutated.
//
// A single socket read may carry zero, one, or many packets plus a fragment,
// so callers loop until the need-more or error outcome.
func (Codec) Decode(b *Buffer) (Packet, bool, error) {
	data := b.Bytes()
	if len(data) < HeaderLen {
		return Packet{}, false, nil
	}
	length := binary.BigEndian.Uint16(data[0:2])
	if length < 2 || int(length) > 2+MaxPayload {
		metrics.IncProtocolError()
		return Packet{}, false, fmt.Errorf("%w (%d)", ErrBadLength, length)
	}
	total := 2 + int(length)
	if len(data) < total {
		return Packet{}, false, nil
	}
	pkt := Packet{
		Type:   binary.BigEndian.Uint16(data[2:4]),
		Length: length,
	}
	if n := int(length) - 2; n > 0 {
		pkt.Payload = make([]byte, n)
		copy(pkt.Payload, data[HeaderLen:total])
	}
	b.discard(total)
	return pkt, true, nil
}

// EncodedLen returns the number of bytes Encode produces for p.
func (Codec) EncodedLen(p Packet) int { return p.WireLen() }

// EncodeTo writes the wire representation of p into dst and returns the
// number of bytes written. dst must hold at least EncodedLen(p) bytes.
func (Codec) EncodeTo(dst []byte, p Packet) int {
	binary.BigEndian.PutUint16(dst[0:2], p.Length)
	binary.BigEndian.PutUint16(dst[2:4], p.Type)
	n := copy(dst[HeaderLen:], p.Payload[:int(p.Length)-2])
	return HeaderLen + n
}

// Encode allocates and returns the wire representation of p.
func (c Codec) Encode(p Packet) []byte {
	out := make([]byte, c.EncodedLen(p))
	c.EncodeTo(out, p)
	return out
}
