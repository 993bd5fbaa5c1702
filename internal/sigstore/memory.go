package sigstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapfon/calls/internal/callrecord"
)

// Memory is an in-process Store. It backs the sigrelay server and the test
// suites; both participants must share the same instance (directly or
// through a relay) for signaling to flow.
type Memory struct {
	now func() time.Time

	// mu serializes mutations and is held while publishing so subscribers
	// observe inserts and updates in mutation order.
	mu     sync.Mutex
	calls  map[string]callrecord.CallRecord
	cands  map[string][]callrecord.CandidateRecord
	closed bool

	subs *fanout
}

func NewMemory() *Memory {
	return &Memory{
		now:   time.Now,
		calls: make(map[string]callrecord.CallRecord),
		cands: make(map[string][]callrecord.CandidateRecord),
		subs:  newFanout(),
	}
}

func (m *Memory) CreateCall(_ context.Context, rec callrecord.CallRecord) (callrecord.CallRecord, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = m.now().UTC()
	if rec.Status == "" {
		rec.Status = callrecord.StatusRinging
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.CallRecord{}, ErrClosed
	}
	m.calls[rec.ID] = rec
	m.subs.publishCallInsert(rec)
	return rec, nil
}

func (m *Memory) UpdateCall(_ context.Context, id string, patch callrecord.Patch) (callrecord.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.CallRecord{}, ErrClosed
	}

	cur, ok := m.calls[id]
	if !ok {
		return callrecord.CallRecord{}, ErrNotFound
	}
	if err := patch.Validate(cur); err != nil {
		return callrecord.CallRecord{}, err
	}

	next := patch.Apply(cur)
	m.calls[id] = next
	m.subs.publishCallUpdate(next)
	return next, nil
}

func (m *Memory) GetCall(_ context.Context, id string) (callrecord.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.CallRecord{}, ErrClosed
	}
	rec, ok := m.calls[id]
	if !ok {
		return callrecord.CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) SubscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.subs.subscribeCalls(filter, onInsert, onUpdate), nil
}

func (m *Memory) InsertCandidate(_ context.Context, cand callrecord.CandidateRecord) (callrecord.CandidateRecord, error) {
	cand.ID = uuid.NewString()
	cand.CreatedAt = m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return callrecord.CandidateRecord{}, ErrClosed
	}
	if _, ok := m.calls[cand.CallID]; !ok {
		return callrecord.CandidateRecord{}, ErrNotFound
	}
	m.cands[cand.CallID] = append(m.cands[cand.CallID], cand)
	m.subs.publishCandidateInsert(cand)
	return cand, nil
}

func (m *Memory) Candidates(_ context.Context, callID, excludeSender string) ([]callrecord.CandidateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []callrecord.CandidateRecord
	for _, cand := range m.cands[callID] {
		if excludeSender != "" && cand.SenderID == excludeSender {
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

func (m *Memory) SubscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.subs.subscribeCandidates(callID, onInsert), nil
}

// Close marks the store closed. Subsequent operations return ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
