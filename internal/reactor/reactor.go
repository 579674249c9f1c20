//go:build linux

// Package reactor runs the single-threaded I/O loop: it owns the listening
// socket, every connection object, an epoll instance, and an eventfd wakeup
// handle. Inbound bytes are framed into packets and handed to the workers
// over the logic queue; outbound sends arrive from the workers over the io
// queue and drain through per-connection send buffers.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/roomchat/go-chat-server/internal/logging"
	"github.com/roomchat/go-chat-server/internal/metrics"
	"github.com/roomchat/go-chat-server/internal/protocol"
	"github.com/roomchat/go-chat-server/internal/queue"
	"github.com/roomchat/go-chat-server/internal/state"
)

const (
	// DefaultAddr is the chat service listen address.
	DefaultAddr = ":3800"
	// listenBacklog is the accept backlog.
	listenBacklog = 256
	// maxEvents bounds one epoll_wait batch.
	maxEvents = 64
	// DefaultWorkers is the number of SHUTDOWN jobs posted on exit.
	DefaultWorkers = 4
)

// Reactor multiplexes accept/read/write readiness over all client sockets.
// Run executes on exactly one goroutine; Post, Wakeup, and Terminate are
// safe from any goroutine.
type Reactor struct {
	log        *slog.Logger
	addr       string
	maxClients int
	workers    int

	logicQ *queue.Queue
	ioQ    *queue.Queue
	codec  protocol.Codec

	epfd     int
	listenFd int
	// wakeFd is written by any goroutine via Wakeup and closed by the
	// reactor goroutine, hence atomic; -1 once closed
	wakeFd atomic.Int32
	conns  []*conn
	nconns int

	// tick counts loop iterations; connections stamp it at accept so stale
	// events for a reused fd can be told apart from the new socket's
	tick uint64

	boundAddr string
	boundPort int

	term atomic.Bool

	accepted     atomic.Uint64
	rejected     atomic.Uint64
	disconnected atomic.Uint64
	protoErrors  atomic.Uint64
}

type Option func(*Reactor)

func WithListenAddr(a string) Option {
	return func(r *Reactor) {
		if a != "" {
			r.addr = a
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxClients caps simultaneous connections; handles at or above the cap
// are rejected at accept. Clamped to the session table bound.
func WithMaxClients(n int) Option {
	return func(r *Reactor) {
		if n > 0 && n <= state.MaxClients {
			r.maxClients = n
		}
	}
}

// WithWorkers sets how many SHUTDOWN jobs the reactor posts when it exits,
// one per logic worker.
func WithWorkers(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.workers = n
		}
	}
}

// New binds the listen socket and sets up the poller and wakeup handle.
// Any failure here is fatal for the process.
func New(logicQ, ioQ *queue.Queue, opts ...Option) (*Reactor, error) {
	r := &Reactor{
		log:        logging.L(),
		addr:       DefaultAddr,
		maxClients: state.MaxClients,
		workers:    DefaultWorkers,
		logicQ:     logicQ,
		ioQ:        ioQ,
		epfd:       -1,
		listenFd:   -1,
	}
	r.wakeFd.Store(-1)
	for _, o := range opts {
		o(r)
	}
	r.conns = make([]*conn, state.MaxClients)
	if err := r.init(); err != nil {
		r.closeFds()
		metrics.IncError(mapErrToMetric(err))
		return nil, err
	}
	return r, nil
}

func (r *Reactor) init() error {
	ip, port, err := splitAddr(r.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrListen, err)
	}
	r.listenFd = fd
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("%w: setsockopt: %v", ErrListen, err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrListen, r.addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	// Resolve the bound port (supports ':0' for tests).
	if bsa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := bsa.(*unix.SockaddrInet4); ok {
			r.boundPort = in4.Port
			r.boundAddr = net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("%w: epoll_create1: %v", ErrPoller, err)
	}
	r.epfd = epfd
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("%w: eventfd: %v", ErrWakeup, err)
	}
	r.wakeFd.Store(int32(wfd))
	if err := r.epollAdd(r.listenFd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("%w: register listen: %v", ErrPoller, err)
	}
	if err := r.epollAdd(wfd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("%w: register wakeup: %v", ErrPoller, err)
	}
	r.log.Info("tcp_listen", "addr", r.boundAddr)
	return nil
}

// Addr returns the bound listen address (host:port).
func (r *Reactor) Addr() string { return r.boundAddr }

// Port returns the bound listen port.
func (r *Reactor) Port() int { return r.boundPort }

// Post enqueues a job onto the io queue. Callable from any goroutine; may
// block briefly when the queue is full.
func (r *Reactor) Post(j queue.Job) { r.ioQ.Push(j) }

// Wakeup interrupts the blocking poll wait. Callable from any goroutine;
// spurious wakeups are harmless.
func (r *Reactor) Wakeup() {
	fd := r.wakeFd.Load()
	if fd < 0 {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(int(fd), one[:])
}

// Terminate requests a graceful exit of Run. Callable from any goroutine.
func (r *Reactor) Terminate() {
	r.term.Store(true)
	r.Wakeup()
}

// Run executes the event loop until Terminate is observed, then performs the
// shutdown drain: close the listener, close every remaining connection,
// close the poller, and post one SHUTDOWN job per worker.
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, maxEvents)
	for !r.term.Load() {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Error("epoll_wait_error", "error", err)
			metrics.IncError(metrics.ErrPoller)
			break
		}
		r.tick++
		r.drainWakeup()
		r.drainIOQueue()
		for i := 0; i < n; i++ {
			r.handleEvent(int(events[i].Fd), events[i].Events)
		}
		metrics.SetQueueDepths(r.logicQ.Len(), r.ioQ.Len())
	}
	r.shutdown()
}

// handleEvent dispatches one readiness event. An event whose fd maps to a
// connection accepted during the current iteration is stale: it belongs to a
// socket that was closed earlier in the same batch and whose fd was reused
// by accept.
func (r *Reactor) handleEvent(fd int, ev uint32) {
	switch fd {
	case int(r.wakeFd.Load()):
		// drained at the top of the iteration
	case r.listenFd:
		if ev&unix.EPOLLIN != 0 {
			r.acceptLoop()
		}
	default:
		c := r.connAt(fd)
		if c == nil || c.born == r.tick {
			return
		}
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.disconnect(fd, "hangup")
			return
		}
		if ev&unix.EPOLLIN != 0 {
			r.readConn(fd)
		}
		if ev&unix.EPOLLOUT != 0 {
			r.writeConn(fd)
		}
	}
}

// drainWakeup consumes all pending wakeup counter bytes.
func (r *Reactor) drainWakeup() {
	fd := int(r.wakeFd.Load())
	if fd < 0 {
		return
	}
	var buf [8]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// drainIOQueue empties the io queue. Draining to empty on every wake keeps
// the wakeup-then-post race harmless: a SEND posted after the wakeup drain
// is still picked up before the next wait, or on the iteration after.
func (r *Reactor) drainIOQueue() {
	for {
		j, ok := r.ioQ.TryPop()
		if !ok {
			return
		}
		if j.Kind == queue.KindSend {
			r.appendSend(j.Handle, j.Packet)
		}
	}
}

// appendSend encodes pkt into the connection's send buffer and enables write
// interest. A buffer that cannot absorb the packet disconnects the peer.
func (r *Reactor) appendSend(fd int, pkt protocol.Packet) {
	c := r.connAt(fd)
	if c == nil {
		return
	}
	need := r.codec.EncodedLen(pkt)
	if c.sendLen+need > SendBufSize && c.sendOff > 0 {
		// reclaim the already-flushed prefix before giving up
		copy(c.send[:], c.send[c.sendOff:c.sendLen])
		c.sendLen -= c.sendOff
		c.sendOff = 0
	}
	if c.sendLen+need > SendBufSize {
		metrics.IncSendOverflow()
		r.log.Warn("send_buffer_overflow", "fd", fd, "pending", c.pending(), "need", need)
		r.disconnect(fd, "send_overflow")
		return
	}
	r.codec.EncodeTo(c.send[c.sendLen:], pkt)
	c.sendLen += need
	metrics.IncPacketsTx()
	r.enableWrite(c)
}

func (r *Reactor) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Error("accept_error", "error", err)
			metrics.IncError(metrics.ErrAccept)
			return
		}
		if nfd >= r.maxClients {
			r.rejected.Add(1)
			metrics.IncRejected()
			r.log.Warn("client_reject_max", "fd", nfd, "max_clients", r.maxClients)
			_ = unix.Close(nfd)
			continue
		}
		c := &conn{fd: nfd, remote: remoteString(sa), born: r.tick}
		if err := r.epollAdd(nfd, unix.EPOLLIN); err != nil {
			r.log.Error("register_error", "fd", nfd, "error", err)
			metrics.IncError(metrics.ErrPoller)
			_ = unix.Close(nfd)
			continue
		}
		r.conns[nfd] = c
		r.nconns++
		r.accepted.Add(1)
		metrics.IncAccepted()
		metrics.SetConnections(r.nconns)
		r.log.Info("client_connected", "fd", nfd, "remote", c.remote)
	}
}

// readConn reads until EAGAIN, EOF, or error, framing packets as bytes
// arrive and enqueueing one PACKET job per decoded packet.
func (r *Reactor) readConn(fd int) {
	c := r.connAt(fd)
	if c == nil {
		return
	}
	for {
		free := c.recv.Free()
		if len(free) == 0 {
			// Full buffer with no extractable packet cannot make progress.
			r.disconnect(fd, "recv_overflow")
			return
		}
		n, err := unix.Read(fd, free)
		if n > 0 {
			c.recv.Advance(n)
			for {
				pkt, ok, perr := r.codec.Decode(&c.recv)
				if perr != nil {
					r.protoErrors.Add(1)
					r.log.Warn("protocol_violation", "fd", fd, "remote", c.remote, "error", perr)
					r.disconnect(fd, "protocol_violation")
					return
				}
				if !ok {
					break
				}
				metrics.IncPacketsRx()
				r.logicQ.Push(queue.Job{Kind: queue.KindPacket, Handle: fd, Packet: pkt})
			}
			continue
		}
		if err == nil {
			// n == 0: peer closed
			r.disconnect(fd, "eof")
			return
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		r.log.Warn("read_error", "fd", fd, "error", err)
		metrics.IncError(metrics.ErrRead)
		r.disconnect(fd, "read_error")
		return
	}
}

// writeConn drains the send buffer until EAGAIN or empty.
func (r *Reactor) writeConn(fd int) {
	c := r.connAt(fd)
	if c == nil {
		return
	}
	for c.pending() > 0 {
		n, err := unix.Write(fd, c.send[c.sendOff:c.sendLen])
		if n > 0 {
			c.sendOff += n
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
		}
		r.log.Warn("write_error", "fd", fd, "error", err)
		metrics.IncError(metrics.ErrWrite)
		r.disconnect(fd, "write_error")
		return
	}
	c.sendLen, c.sendOff = 0, 0
	r.disableWrite(c)
}

// disconnect funnels every connection teardown: deregister, close, free the
// connection object, and tell the workers so they clean session/room state.
func (r *Reactor) disconnect(fd int, reason string) {
	c := r.connAt(fd)
	if c == nil {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)
	r.conns[fd] = nil
	r.nconns--
	r.disconnected.Add(1)
	metrics.IncDisconnected()
	metrics.SetConnections(r.nconns)
	r.log.Info("client_disconnected", "fd", fd, "remote", c.remote, "reason", reason)
	r.logicQ.Push(queue.Job{Kind: queue.KindDisconnect, Handle: fd})
}

func (r *Reactor) shutdown() {
	r.log.Info("reactor_shutdown")
	for fd, c := range r.conns {
		if c == nil {
			continue
		}
		_ = unix.Close(fd)
		r.conns[fd] = nil
	}
	r.nconns = 0
	metrics.SetConnections(0)
	r.closeFds()
	for i := 0; i < r.workers; i++ {
		r.logicQ.Push(queue.Job{Kind: queue.KindShutdown})
	}
	r.log.Info("shutdown_summary",
		"accepted", r.accepted.Load(),
		"rejected", r.rejected.Load(),
		"disconnected", r.disconnected.Load(),
		"protocol_errors", r.protoErrors.Load(),
	)
}

func (r *Reactor) closeFds() {
	if r.listenFd >= 0 {
		_ = unix.Close(r.listenFd)
		r.listenFd = -1
	}
	if fd := r.wakeFd.Swap(-1); fd >= 0 {
		_ = unix.Close(int(fd))
	}
	if r.epfd >= 0 {
		_ = unix.Close(r.epfd)
		r.epfd = -1
	}
}

func (r *Reactor) connAt(fd int) *conn {
	if fd < 0 || fd >= len(r.conns) {
		return nil
	}
	return r.conns[fd]
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) enableWrite(c *conn) {
	if c.writable {
		return
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(c.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, ev); err == nil {
		c.writable = true
	}
}

func (r *Reactor) disableWrite(c *conn) {
	if !c.writable {
		return
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(c.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, ev); err == nil {
		c.writable = false
	}
}

// splitAddr parses "host:port" into an IPv4 address (0.0.0.0 for an empty
// host) and a port number.
func splitAddr(addr string) ([]byte, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, 0, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return []byte{0, 0, 0, 0}, port, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid host %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, 0, fmt.Errorf("not an IPv4 address: %q", host)
	}
	return ip4, port, nil
}

func remoteString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
	}
	return "unknown"
}
