// Package worker runs the logic goroutines that consume the logic queue and
// mutate session/room state. Packets from the same connection are delivered
// to the queue in byte-stream order but any worker may dequeue next, so
// ordering holds only up to the dequeue boundary; chat semantics do not
// require more.
package worker

import (
	"log/slog"
	"sync"

	"github.com/roomchat/go-chat-server/internal/logging"
	"github.com/roomchat/go-chat-server/internal/protocol"
	"github.com/roomchat/go-chat-server/internal/queue"
	"github.com/roomchat/go-chat-server/internal/state"
)

// DefaultWorkers is the logic pool size.
const DefaultWorkers = 4

// Pool consumes the logic queue with n workers. Each worker exits on its
// SHUTDOWN job; Wait then drains all remaining state exactly once.
type Pool struct {
	n   int
	q   *queue.Queue
	st  *state.Store
	log *slog.Logger
	wg  sync.WaitGroup
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.n = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPool builds a pool over the logic queue q and state store st.
func NewPool(q *queue.Queue, st *state.Store, opts ...Option) *Pool {
	p := &Pool{n: DefaultWorkers, q: q, st: st, log: logging.L()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.n }

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Wait blocks until every worker has exited, then removes all remaining
// sessions and empties every room.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.st.RemoveAll()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		j := p.q.Pop()
		switch j.Kind {
		case queue.KindShutdown:
			p.log.Debug("worker_shutdown", "worker", id)
			return
		case queue.KindDisconnect:
			p.st.Disconnect(j.Handle)
		case queue.KindPacket:
			s := p.st.EnsureSession(j.Handle)
			if s == nil || !s.Alive() {
				p.log.Warn("session_unavailable", "fd", j.Handle)
				continue
			}
			p.handlePacket(s, j.Packet)
		}
	}
}

// handlePacket dispatches on the wire type. Well-framed but out-of-place
// requests (chat before join, duplicate join, unknown types) are silently
// ignored.
func (p *Pool) handlePacket(s *state.Session, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeJoinRoom:
		if s.RoomID() >= 0 {
			return
		}
		r := p.st.FindRoom()
		if r == nil {
			r = p.st.CreateRoom()
		}
		if r == nil {
			p.log.Warn("rooms_full", "sid", s.ID)
			return
		}
		p.st.JoinRoom(r, s)
	case protocol.TypeChat:
		rid := s.RoomID()
		if rid < 0 {
			p.log.Debug("chat_without_room", "sid", s.ID)
			return
		}
		r := p.st.Room(rid)
		if r == nil {
			return
		}
		p.st.Broadcast(r, s, pkt)
	case protocol.TypeLeaveRoom:
		if s.RoomID() < 0 {
			return
		}
		p.st.LeaveRoom(s)
	case protocol.TypeGameAction, protocol.TypeGameResult:
		// reserved wire types, no server behavior yet
	default:
		p.log.Debug("unknown_packet_type", "sid", s.ID, "type", pkt.Type)
	}
}
