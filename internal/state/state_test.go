package state

import (
	"bytes"
	"sync"
	"testing"

	"github.com/roomchat/go-chat-server/internal/protocol"
	"github.com/roomchat/go-chat-server/internal/queue"
)

// fakePoster captures broadcast send jobs instead of a live reactor.
type fakePoster struct {
	mu      sync.Mutex
	jobs    []queue.Job
	wakeups int
}

func (f *fakePoster) Post(j queue.Job) {
	f.mu.Lock()
	f.jobs = append(f.jobs, j)
	f.mu.Unlock()
}

func (f *fakePoster) Wakeup() {
	f.mu.Lock()
	f.wakeups++
	f.mu.Unlock()
}

func (f *fakePoster) snapshot() ([]queue.Job, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Job(nil), f.jobs...), f.wakeups
}

func newTestStore() (*Store, *fakePoster) {
	fp := &fakePoster{}
	return NewStore(WithPoster(fp)), fp
}

func TestEnsureSession_IdempotentAndMonotonic(t *testing.T) {
	st, _ := newTestStore()
	a := st.EnsureSession(5)
	if a == nil || a.ID != 1 || a.Handle != 5 || a.RoomID() != -1 || !a.Alive() {
		t.Fatalf("unexpected session %+v", a)
	}
	if again := st.EnsureSession(5); again != a {
		t.Fatal("EnsureSession created a duplicate for the same handle")
	}
	b := st.EnsureSession(6)
	if b.ID != 2 {
		t.Fatalf("second session id = %d, want 2", b.ID)
	}
	if st.EnsureSession(-1) != nil || st.EnsureSession(MaxClients) != nil {
		t.Fatal("out-of-range handle produced a session")
	}
}

func TestRemoveSession_RemovesBeforeDead(t *testing.T) {
	st, _ := newTestStore()
	s := st.EnsureSession(3)
	st.RemoveSession(3)
	if st.Session(3) != nil {
		t.Fatal("session still in table after remove")
	}
	if s.Alive() {
		t.Fatal("removed session still alive")
	}
	if st.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", st.SessionCount())
	}
}

func TestJoinRoom_UniqueAndCapped(t *testing.T) {
	st, _ := newTestStore()
	r := st.CreateRoom()
	if r == nil || r.ID() != 0 {
		t.Fatalf("CreateRoom = %+v", r)
	}

	s := st.EnsureSession(0)
	st.JoinRoom(r, s)
	st.JoinRoom(r, s) // idempotent
	if r.UserCount() != 1 || s.RoomID() != 0 {
		t.Fatalf("after double join: users=%d room=%d", r.UserCount(), s.RoomID())
	}

	for h := 1; h < MaxRoomUsers; h++ {
		st.JoinRoom(r, st.EnsureSession(h))
	}
	if r.UserCount() != MaxRoomUsers {
		t.Fatalf("users = %d, want %d", r.UserCount(), MaxRoomUsers)
	}

	// join past the cap is a no-op
	ninth := st.EnsureSession(MaxRoomUsers)
	st.JoinRoom(r, ninth)
	if r.UserCount() != MaxRoomUsers || ninth.RoomID() != -1 {
		t.Fatalf("cap violated: users=%d ninth room=%d", r.UserCount(), ninth.RoomID())
	}

	// FindRoom skips the full room
	if got := st.FindRoom(); got != nil {
		t.Fatalf("FindRoom returned full room %d", got.ID())
	}
	r2 := st.CreateRoom()
	if r2 == nil || r2.ID() != 1 {
		t.Fatalf("second room = %+v", r2)
	}
	st.JoinRoom(r2, ninth)
	if ninth.RoomID() != 1 || r2.UserCount() != 1 {
		t.Fatalf("ninth not in new room: room=%d users=%d", ninth.RoomID(), r2.UserCount())
	}
}

func TestLeaveRoom(t *testing.T) {
	st, _ := newTestStore()
	r := st.CreateRoom()
	a := st.EnsureSession(0)
	b := st.EnsureSession(1)
	st.JoinRoom(r, a)
	st.JoinRoom(r, b)

	st.LeaveRoom(a)
	if a.RoomID() != -1 || r.UserCount() != 1 {
		t.Fatalf("after leave: room=%d users=%d", a.RoomID(), r.UserCount())
	}
	st.LeaveRoom(a) // no-op when not in a room
	if r.UserCount() != 1 {
		t.Fatalf("double leave changed membership: users=%d", r.UserCount())
	}
}

func TestRoomTableCap(t *testing.T) {
	st, _ := newTestStore()
	for i := 0; i < MaxRooms; i++ {
		if r := st.CreateRoom(); r == nil || r.ID() != i {
			t.Fatalf("room %d: %+v", i, r)
		}
	}
	if st.CreateRoom() != nil {
		t.Fatal("CreateRoom succeeded past MaxRooms")
	}
	if st.RoomCount() != MaxRooms {
		t.Fatalf("room count = %d, want %d", st.RoomCount(), MaxRooms)
	}
}

func TestBroadcast_ExcludesSenderAppendsNewline(t *testing.T) {
	st, fp := newTestStore()
	r := st.CreateRoom()
	sender := st.EnsureSession(0)
	peer1 := st.EnsureSession(1)
	peer2 := st.EnsureSession(2)
	st.JoinRoom(r, sender)
	st.JoinRoom(r, peer1)
	st.JoinRoom(r, peer2)

	st.Broadcast(r, sender, protocol.NewPacket(protocol.TypeChat, []byte("hi")))

	jobs, wakeups := fp.snapshot()
	if len(jobs) != 2 {
		t.Fatalf("got %d send jobs, want 2", len(jobs))
	}
	if wakeups != 1 {
		t.Fatalf("got %d wakeups, want 1", wakeups)
	}
	seen := map[int]bool{}
	for _, j := range jobs {
		if j.Kind != queue.KindSend {
			t.Fatalf("job kind = %v", j.Kind)
		}
		if j.Handle == sender.Handle {
			t.Fatal("sender received its own broadcast")
		}
		seen[j.Handle] = true
		if j.Packet.Type != protocol.TypeChat || !bytes.Equal(j.Packet.Payload, []byte("hi\n")) {
			t.Fatalf("relayed packet %+v", j.Packet)
		}
		if j.Packet.Length != uint16(2+len("hi\n")) {
			t.Fatalf("relayed length = %d", j.Packet.Length)
		}
	}
	if !seen[peer1.Handle] || !seen[peer2.Handle] {
		t.Fatalf("recipients = %v", seen)
	}
}

func TestBroadcast_OversizePayloadDropped(t *testing.T) {
	st, fp := newTestStore()
	r := st.CreateRoom()
	sender := st.EnsureSession(0)
	st.JoinRoom(r, sender)
	st.JoinRoom(r, st.EnsureSession(1))

	// appending the newline would exceed MaxPayload
	full := bytes.Repeat([]byte{'x'}, protocol.MaxPayload)
	st.Broadcast(r, sender, protocol.NewPacket(protocol.TypeChat, full))

	if jobs, _ := fp.snapshot(); len(jobs) != 0 {
		t.Fatalf("oversize broadcast produced %d jobs", len(jobs))
	}
}

func TestBroadcast_SkipsDeadMembers(t *testing.T) {
	st, fp := newTestStore()
	r := st.CreateRoom()
	sender := st.EnsureSession(0)
	ghost := st.EnsureSession(1)
	st.JoinRoom(r, sender)
	st.JoinRoom(r, ghost)

	// remove the session without leaving the room: broadcast must resolve
	// the handle and skip it
	st.RemoveSession(ghost.Handle)
	st.Broadcast(r, sender, protocol.NewPacket(protocol.TypeChat, []byte("hi")))

	if jobs, _ := fp.snapshot(); len(jobs) != 0 {
		t.Fatalf("dead member received %d jobs", len(jobs))
	}
}

func TestDisconnect_ClosesLifecycle(t *testing.T) {
	st, _ := newTestStore()
	r := st.CreateRoom()
	s := st.EnsureSession(4)
	st.JoinRoom(r, s)

	st.Disconnect(4)
	if st.Session(4) != nil {
		t.Fatal("session present after disconnect")
	}
	if r.UserCount() != 0 {
		t.Fatalf("room users = %d after disconnect", r.UserCount())
	}
	st.Disconnect(4) // unknown handle is a no-op
}

func TestRemoveAll_Drains(t *testing.T) {
	st, _ := newTestStore()
	for h := 0; h < 20; h++ {
		s := st.EnsureSession(h)
		r := st.FindRoom()
		if r == nil {
			r = st.CreateRoom()
		}
		st.JoinRoom(r, s)
	}
	if st.SessionCount() != 20 {
		t.Fatalf("session count = %d", st.SessionCount())
	}

	st.RemoveAll()
	if st.SessionCount() != 0 {
		t.Fatalf("session count = %d after drain", st.SessionCount())
	}
	for i := 0; i < st.RoomCount(); i++ {
		if n := st.Room(i).UserCount(); n != 0 {
			t.Fatalf("room %d has %d users after drain", i, n)
		}
	}
}
