package protocol

// Wire packet types.
const (
	TypeChat uint16 = iota + 1
	TypeJoinRoom
	TypeLeaveRoom
	TypeGameAction
	TypeGameResult
)

const (
	// HeaderLen is the fixed wire header: u16 length + u16 type.
	HeaderLen = 4
	// MaxPayload bounds the variable payload region.
	MaxPayload = 1024
	// MaxWireLen is the largest on-wire size of a single packet.
	MaxWireLen = HeaderLen + MaxPayload
)

// Packet is one framed message. Length carries the wire convention:
// sizeof(type) + len(Payload), so a valid Length is in [2, 2+MaxPayload].
type Packet struct {
	Type    uint16
	Length  uint16
	Payload []byte
}

// NewPacket builds a packet with Length derived from the payload.
func NewPacket(typ uint16, payload []byte) Packet {
	return Packet{Type: typ, Length: uint16(2 + len(payload)), Payload: payload}
}

// WireLen is the total number of bytes the packet occupies on the wire.
func (p Packet) WireLen() int { return 2 + int(p.Length) }
