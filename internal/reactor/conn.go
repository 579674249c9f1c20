//go:build linux

package reactor

import "github.com/roomchat/go-chat-server/internal/protocol"

// SendBufSize is the fixed per-connection send buffer capacity.
const SendBufSize = 4096

// conn is the per-socket state owned exclusively by the reactor goroutine.
// Workers never see it; they reach a connection only by handle through the
// io queue.
type conn struct {
	fd     int
	remote string

	recv protocol.Buffer

	// send buffer with partial-write bookkeeping:
	// 0 <= sendOff <= sendLen <= SendBufSize
	send    [SendBufSize]byte
	sendLen int
	sendOff int

	// writable tracks whether EPOLLOUT is currently registered
	writable bool

	// born is the reactor loop tick at accept time; events from the same
	// tick cannot belong to this socket
	born uint64
}

// pending returns the number of unsent buffered bytes.
func (c *conn) pending() int { return c.sendLen - c.sendOff }
