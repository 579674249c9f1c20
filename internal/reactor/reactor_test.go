//go:build linux

package reactor

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/roomchat/go-chat-server/internal/protocol"
	"github.com/roomchat/go-chat-server/internal/queue"
)

func newTestReactor(t *testing.T) (*Reactor, *queue.Queue) {
	t.Helper()
	logicQ := queue.New(64)
	ioQ := queue.New(64)
	r, err := New(logicQ, ioQ, WithListenAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("reactor init: %v", err)
	}
	t.Cleanup(func() { r.closeFds() })
	return r, logicQ
}

// plantConn registers a real socket in the connection table without going
// through accept, so internal send paths can be driven directly.
func plantConn(t *testing.T, r *Reactor) *conn {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	if fds[0] >= len(r.conns) {
		t.Fatalf("test fd %d out of table range", fds[0])
	}
	c := &conn{fd: fds[0], remote: "local"}
	r.conns[fds[0]] = c
	r.nconns++
	return c
}

func expectDisconnectJob(t *testing.T, q *queue.Queue, fd int) {
	t.Helper()
	j, ok := q.TryPop()
	if !ok || j.Kind != queue.KindDisconnect || j.Handle != fd {
		t.Fatalf("logic job = (%+v, %v), want DISCONNECT for fd %d", j, ok, fd)
	}
}

// A send buffer that cannot absorb a packet disconnects the connection and
// tells the workers.
func TestAppendSend_OverflowDisconnects(t *testing.T) {
	r, logicQ := newTestReactor(t)
	c := plantConn(t, r)

	pkt := protocol.NewPacket(protocol.TypeChat, bytes.Repeat([]byte{'x'}, protocol.MaxPayload))
	wire := r.codec.EncodedLen(pkt) // 1028: three fit in 4096, a fourth cannot
	for i := 0; i < 3; i++ {
		r.appendSend(c.fd, pkt)
		if r.connAt(c.fd) == nil {
			t.Fatalf("disconnected after %d buffered packets", i+1)
		}
	}
	if c.sendLen != 3*wire {
		t.Fatalf("buffered %d bytes, want %d", c.sendLen, 3*wire)
	}

	r.appendSend(c.fd, pkt)
	if r.connAt(c.fd) != nil {
		t.Fatal("connection survived a send buffer overflow")
	}
	expectDisconnectJob(t, logicQ, c.fd)
}

// A partially flushed buffer is compacted before the overflow verdict, so a
// connection that has drained bytes is not torn down spuriously.
func TestAppendSend_ReclaimsFlushedPrefix(t *testing.T) {
	r, _ := newTestReactor(t)
	c := plantConn(t, r)

	pkt := protocol.NewPacket(protocol.TypeChat, bytes.Repeat([]byte{'x'}, protocol.MaxPayload))
	wire := r.codec.EncodedLen(pkt)
	for i := 0; i < 3; i++ {
		r.appendSend(c.fd, pkt)
	}
	c.sendOff = 2 * wire // two packets already written to the socket

	r.appendSend(c.fd, pkt)
	if r.connAt(c.fd) == nil {
		t.Fatal("disconnected despite reclaimable flushed prefix")
	}
	if c.sendOff != 0 || c.sendLen != 2*wire {
		t.Fatalf("after compaction: off=%d len=%d, want 0/%d", c.sendOff, c.sendLen, 2*wire)
	}
	_ = unix.Close(c.fd)
}

// A hangup event left over from a socket whose fd was closed and reused by
// accept within the same loop iteration must not tear down the new
// connection.
func TestHandleEvent_StaleHangupForReusedFd(t *testing.T) {
	r, logicQ := newTestReactor(t)
	c := plantConn(t, r)

	r.tick = 7
	c.born = 7 // accepted during the current iteration
	r.handleEvent(c.fd, unix.EPOLLHUP)
	if r.connAt(c.fd) == nil {
		t.Fatal("stale hangup tore down a freshly accepted connection")
	}
	if _, ok := logicQ.TryPop(); ok {
		t.Fatal("stale hangup posted a disconnect job")
	}

	c.born = 6 // accepted on an earlier iteration: the hangup is genuine
	r.handleEvent(c.fd, unix.EPOLLHUP)
	if r.connAt(c.fd) != nil {
		t.Fatal("genuine hangup left the connection in the table")
	}
	expectDisconnectJob(t, logicQ, c.fd)
}
