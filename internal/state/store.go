// Package state owns the session and room tables mutated by the logic
// workers. The reactor never touches this package; broadcast results reach
// it only through the io queue and the wakeup handle.
package state

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roomchat/go-chat-server/internal/logging"
	"github.com/roomchat/go-chat-server/internal/metrics"
	"github.com/roomchat/go-chat-server/internal/queue"
)

const (
	// MaxClients bounds connection handles and sizes the session table.
	MaxClients = 512
	// MaxRooms bounds the room table; room slots are never destroyed.
	MaxRooms = 256
	// MaxRoomUsers bounds a single room's membership.
	MaxRoomUsers = 8
)

// Poster posts send jobs back to the reactor. Implemented by the reactor;
// faked in tests.
type Poster interface {
	Post(queue.Job)
	Wakeup()
}

// Session is the per-client bookkeeping keyed by the connection handle.
// Created lazily by a worker on the first inbound packet.
type Session struct {
	ID     int
	Handle int

	room  atomic.Int32
	alive atomic.Bool
}

// RoomID returns the joined room id, or -1 when not in a room.
func (s *Session) RoomID() int { return int(s.room.Load()) }

// Alive reports whether the session has not been removed.
func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) setRoom(id int) { s.room.Store(int32(id)) }

// Store holds the session and room tables. Sessions are guarded by their own
// lock; the room table size by another; each room's membership by the room's
// lock. At most one room lock is held at a time and no lock is held while
// pushing to a queue.
type Store struct {
	log    *slog.Logger
	poster Poster

	sessionsMu   sync.Mutex
	sessions     [MaxClients]*Session
	nextID       int
	sessionCount int

	roomsMu sync.Mutex
	rooms   []*Room
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.log = l
		}
	}
}

// WithPoster wires the reactor-side sink for broadcast send jobs.
func WithPoster(p Poster) Option { return func(st *Store) { st.poster = p } }

// NewStore returns an empty store. Session ids start at 1.
func NewStore(opts ...Option) *Store {
	st := &Store{log: logging.L(), nextID: 1}
	for _, o := range opts {
		o(st)
	}
	return st
}

// Session returns the session for handle h, or nil.
func (st *Store) Session(h int) *Session {
	if h < 0 || h >= MaxClients {
		return nil
	}
	st.sessionsMu.Lock()
	s := st.sessions[h]
	st.sessionsMu.Unlock()
	return s
}

// EnsureSession returns the session for h, creating it if absent. Allocation
// happens under the table lock so two workers racing on the same handle
// cannot double-create. Returns nil for out-of-range handles.
func (st *Store) EnsureSession(h int) *Session {
	if h < 0 || h >= MaxClients {
		return nil
	}
	st.sessionsMu.Lock()
	if s := st.sessions[h]; s != nil {
		st.sessionsMu.Unlock()
		return s
	}
	s := &Session{ID: st.nextID, Handle: h}
	s.setRoom(-1)
	s.alive.Store(true)
	st.nextID++
	st.sessions[h] = s
	st.sessionCount++
	n := st.sessionCount
	st.sessionsMu.Unlock()
	metrics.SetSessions(n)
	st.log.Debug("session_created", "sid", s.ID, "fd", h)
	return s
}

// RemoveSession detaches the session for h from the table and then flips it
// dead, in that order, so concurrent lookups never observe a removed-but-
// alive session. The caller leaves any room first.
func (st *Store) RemoveSession(h int) {
	if h < 0 || h >= MaxClients {
		return
	}
	st.sessionsMu.Lock()
	s := st.sessions[h]
	if s == nil {
		st.sessionsMu.Unlock()
		return
	}
	st.sessions[h] = nil
	st.sessionCount--
	n := st.sessionCount
	st.sessionsMu.Unlock()
	s.alive.Store(false)
	metrics.SetSessions(n)
	st.log.Debug("session_removed", "sid", s.ID, "fd", h)
}

// SessionCount returns the number of live sessions.
func (st *Store) SessionCount() int {
	st.sessionsMu.Lock()
	n := st.sessionCount
	st.sessionsMu.Unlock()
	return n
}

// Disconnect cleans up all state owned by handle h: room membership first,
// then the session entry. No-op for unknown handles.
func (st *Store) Disconnect(h int) {
	s := st.Session(h)
	if s == nil {
		return
	}
	if s.RoomID() >= 0 {
		st.LeaveRoom(s)
	}
	st.RemoveSession(h)
}

// RemoveAll drains every remaining session (leaving its room) during
// shutdown. Afterwards the session table is empty and every room has zero
// members.
func (st *Store) RemoveAll() {
	for h := 0; h < MaxClients; h++ {
		st.Disconnect(h)
	}
	st.log.Info("state_drained", "rooms", st.RoomCount())
}
