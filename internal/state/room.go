package state

import (
	"sync"
	"sync/atomic"

	"github.com/roomchat/go-chat-server/internal/metrics"
	"github.com/roomchat/go-chat-server/internal/protocol"
	"github.com/roomchat/go-chat-server/internal/queue"
)

// Room is a bounded membership set over which chat is fanned out. Membership
// stores connection handles, not session references; handles are resolved
// through the session table at broadcast time so dead sessions are skipped.
type Room struct {
	id int

	mu      sync.Mutex
	members []int

	// membership size mirrored atomically so FindRoom can scan without
	// taking per-room locks under the table lock
	count atomic.Int32
}

// ID returns the dense non-negative room id.
func (r *Room) ID() int { return r.id }

// UserCount returns the current membership size.
func (r *Room) UserCount() int { return int(r.count.Load()) }

// CreateRoom appends a new empty room and returns it, or nil when the table
// is at capacity. Rooms are never destroyed once created.
func (st *Store) CreateRoom() *Room {
	st.roomsMu.Lock()
	if len(st.rooms) >= MaxRooms {
		st.roomsMu.Unlock()
		return nil
	}
	r := &Room{id: len(st.rooms), members: make([]int, 0, MaxRoomUsers)}
	st.rooms = append(st.rooms, r)
	n := len(st.rooms)
	st.roomsMu.Unlock()
	metrics.SetRooms(n)
	st.log.Info("room_created", "room_id", r.id)
	return r
}

// Room returns the room at id, or nil when out of range.
func (st *Store) Room(id int) *Room {
	st.roomsMu.Lock()
	defer st.roomsMu.Unlock()
	if id < 0 || id >= len(st.rooms) {
		return nil
	}
	return st.rooms[id]
}

// FindRoom returns the first room with free capacity, or nil.
func (st *Store) FindRoom() *Room {
	st.roomsMu.Lock()
	defer st.roomsMu.Unlock()
	for _, r := range st.rooms {
		if r.UserCount() < MaxRoomUsers {
			return r
		}
	}
	return nil
}

// RoomCount returns the number of created rooms.
func (st *Store) RoomCount() int {
	st.roomsMu.Lock()
	n := len(st.rooms)
	st.roomsMu.Unlock()
	return n
}

// JoinRoom adds s to r. Joining a room the session is already in is a no-op,
// as is joining a full room.
func (st *Store) JoinRoom(r *Room, s *Session) {
	r.mu.Lock()
	for _, h := range r.members {
		if h == s.Handle {
			r.mu.Unlock()
			return
		}
	}
	if len(r.members) >= MaxRoomUsers {
		r.mu.Unlock()
		return
	}
	r.members = append(r.members, s.Handle)
	r.count.Store(int32(len(r.members)))
	s.setRoom(r.id)
	r.mu.Unlock()
	st.log.Info("room_joined", "sid", s.ID, "room_id", r.id)
}

// LeaveRoom detaches s from its room, if any. Swap-remove keeps the member
// slice dense.
func (st *Store) LeaveRoom(s *Session) {
	rid := s.RoomID()
	if rid < 0 {
		return
	}
	r := st.Room(rid)
	if r == nil {
		s.setRoom(-1)
		return
	}
	r.mu.Lock()
	for i, h := range r.members {
		if h == s.Handle {
			last := len(r.members) - 1
			r.members[i] = r.members[last]
			r.members = r.members[:last]
			break
		}
	}
	r.count.Store(int32(len(r.members)))
	s.setRoom(-1)
	r.mu.Unlock()
	st.log.Info("room_left", "sid", s.ID, "room_id", rid)
}

// Broadcast relays a chat packet from sender to every other live member of
// r. Target handles are collected under the room lock and the send jobs are
// posted outside it, so a slow io queue never blocks the room. The relayed
// payload gets a trailing newline; a payload that would then exceed the
// packet limit drops the whole broadcast.
func (st *Store) Broadcast(r *Room, sender *Session, pkt protocol.Packet) {
	r.mu.Lock()
	targets := make([]int, 0, len(r.members))
	for _, h := range r.members {
		if h == sender.Handle {
			continue
		}
		if t := st.Session(h); t == nil || !t.Alive() {
			continue
		}
		targets = append(targets, h)
	}
	r.mu.Unlock()

	payload := make([]byte, 0, len(pkt.Payload)+1)
	payload = append(payload, pkt.Payload...)
	payload = append(payload, '\n')
	if len(payload) > protocol.MaxPayload {
		metrics.IncBroadcastDrop()
		st.log.Warn("broadcast_oversize_drop", "sid", sender.ID, "room_id", r.id, "payload_len", len(payload))
		return
	}
	out := protocol.NewPacket(protocol.TypeChat, payload)

	metrics.IncBroadcast()
	metrics.SetBroadcastFanout(len(targets))
	if st.poster == nil || len(targets) == 0 {
		return
	}
	for _, h := range targets {
		st.poster.Post(queue.Job{Kind: queue.KindSend, Handle: h, Packet: out})
	}
	st.poster.Wakeup()
}
