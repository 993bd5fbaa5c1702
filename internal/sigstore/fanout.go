package sigstore

import (
	"sync"

	"github.com/zapfon/calls/internal/callrecord"
)

// fanout is the subscriber registry shared by the store implementations.
// Publishing dispatches synchronously on the publisher's goroutine, so each
// backend keeps ordering by publishing from a single place (the mutating
// goroutine for the memory store, the change-feed goroutine for the rest).
type fanout struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*callSub
	cands  map[uint64]*candidateSub
}

type callSub struct {
	filter   callrecord.Filter
	onInsert func(callrecord.CallRecord)
	onUpdate func(callrecord.CallRecord)
}

type candidateSub struct {
	callID   string
	onInsert func(callrecord.CandidateRecord)
}

func newFanout() *fanout {
	return &fanout{
		calls: make(map[uint64]*callSub),
		cands: make(map[uint64]*candidateSub),
	}
}

func (f *fanout) subscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) Unsubscribe {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.calls[id] = &callSub{filter: filter, onInsert: onInsert, onUpdate: onUpdate}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.calls, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) subscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) Unsubscribe {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.cands[id] = &candidateSub{callID: callID, onInsert: onInsert}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.cands, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) publishCallInsert(rec callrecord.CallRecord) {
	for _, sub := range f.callSubsFor(rec) {
		if sub.onInsert != nil {
			sub.onInsert(rec)
		}
	}
}

func (f *fanout) publishCallUpdate(rec callrecord.CallRecord) {
	for _, sub := range f.callSubsFor(rec) {
		if sub.onUpdate != nil {
			sub.onUpdate(rec)
		}
	}
}

func (f *fanout) publishCandidateInsert(cand callrecord.CandidateRecord) {
	f.mu.Lock()
	subs := make([]*candidateSub, 0, len(f.cands))
	for _, sub := range f.cands {
		if sub.callID == cand.CallID {
			subs = append(subs, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.onInsert(cand)
	}
}

func (f *fanout) callSubsFor(rec callrecord.CallRecord) []*callSub {
	f.mu.Lock()
	subs := make([]*callSub, 0, len(f.calls))
	for _, sub := range f.calls {
		if sub.filter.Match(rec) {
			subs = append(subs, sub)
		}
	}
	f.mu.Unlock()
	return subs
}
