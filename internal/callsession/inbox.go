package callsession

import (
	"sync"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/peerlink"
)

type eventKind int

const (
	eventRecordUpdate eventKind = iota
	eventCandidate
	eventConnectivity
)

// event is one typed session input. Store callbacks and link callbacks are
// translated into events so the session loop is the only mutator.
type event struct {
	kind eventKind
	rec  callrecord.CallRecord
	cand callrecord.CandidateRecord
	conn peerlink.ConnState
}

// inbox is an unbounded FIFO event queue.
//
// Enqueue never blocks, so store dispatch goroutines cannot deadlock against
// a session loop that is itself calling into the store.
type inbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newInbox() *inbox {
	q := &inbox{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an event. Events arriving after Close are discarded.
func (q *inbox) Enqueue(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an event is available or the inbox is closed.
func (q *inbox) Dequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.events) == 0 {
		return event{}, false
	}
	ev := q.events[0]
	copy(q.events, q.events[1:])
	q.events[len(q.events)-1] = event{}
	q.events = q.events[:len(q.events)-1]
	return ev, true
}

func (q *inbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
