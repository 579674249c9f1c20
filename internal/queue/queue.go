// Package queue provides the bounded FIFO job conduits between the I/O
// reactor and the logic workers. Two instances exist in the server: the
// logic queue (reactor -> workers) and the io queue (workers -> reactor).
package queue

import "github.com/roomchat/go-chat-server/internal/protocol"

// DefaultCapacity matches the sizing of both server queues.
const DefaultCapacity = 1024

// Kind tags a job.
type Kind uint8

const (
	// KindPacket carries one decoded inbound packet to the workers.
	KindPacket Kind = iota + 1
	// KindDisconnect tells the workers a connection handle went away.
	KindDisconnect
	// KindShutdown terminates one worker.
	KindShutdown
	// KindSend asks the reactor to transmit a packet on a handle.
	KindSend
)

// Job is the tagged unit of work passed between reactor and workers.
// Handle is the connection handle; Packet is valid for KindPacket and
// KindSend.
type Job struct {
	Kind   Kind
	Handle int
	Packet protocol.Packet
}

// Queue is a fixed-capacity FIFO. Push blocks while full, Pop blocks while
// empty, TryPop never blocks. Ordering is strict FIFO per producer. Safe for
// any number of producers and consumers.
type Queue struct {
	ch chan Job
}

// New returns a queue with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan Job, capacity)}
}

// Push enqueues j, blocking while the queue is full. A full logic queue
// therefore backpressures the reactor instead of dropping work.
func (q *Queue) Push(j Job) { q.ch <- j }

// Pop dequeues the oldest job, blocking while the queue is empty.
func (q *Queue) Pop() Job { return <-q.ch }

// TryPop dequeues the oldest job if one is available.
func (q *Queue) TryPop() (Job, bool) {
	select {
	case j := <-q.ch:
		return j, true
	default:
		return Job{}, false
	}
}

// Len returns the current number of queued jobs.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
