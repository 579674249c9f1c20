package protocol

// RecvBufSize is the fixed per-connection receive buffer capacity.
const RecvBufSize = 4096

// Buffer is a per-connection receive accumulator. The reactor appends raw
// socket bytes into Free() and the codec extracts whole packets from the
// front, compacting the tail so parsing stays O(n) per read with bounded
// occupancy.
type Buffer struct {
	buf [RecvBufSize]byte
	n   int
}

// Len returns the number of valid buffered bytes.
func (b *Buffer) Len() int { return b.n }

// Bytes returns the valid prefix of the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[:b.n] }

// Free returns the writable tail. An empty result means the buffer is full
// and the connection cannot make progress until packets are extracted.
func (b *Buffer) Free() []byte { return b.buf[b.n:] }

// Advance marks n bytes of Free() as valid after a socket read.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.n+n > RecvBufSize {
		panic("protocol: buffer advance out of range")
	}
	b.n += n
}

// discard removes the consumed prefix, moving the remaining tail to the front.
func (b *Buffer) discard(n int) {
	if n <= 0 {
		return
	}
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.buf[:], b.buf[n:b.n])
	b.n -= n
}

// Reset drops all buffered bytes.
func (b *Buffer) Reset() { b.n = 0 }
