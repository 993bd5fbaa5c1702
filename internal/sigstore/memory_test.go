package sigstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zapfon/calls/internal/callrecord"
)

func newRingingCall(t *testing.T, m *Memory) callrecord.CallRecord {
	t.Helper()
	rec, err := m.CreateCall(context.Background(), callrecord.CallRecord{
		ConversationID: "conv-1",
		CallerID:       "alice",
		CalleeID:       "bob",
		Mode:           callrecord.ModeAudio,
		Status:         callrecord.StatusRinging,
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	return rec
}

func TestMemory_CreateAssignsIDAndTimestamp(t *testing.T) {
	m := NewMemory()
	rec := newRingingCall(t, m)

	if rec.ID == "" {
		t.Fatalf("record id not assigned")
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("createdAt not assigned")
	}

	got, err := m.GetCall(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != callrecord.StatusRinging {
		t.Fatalf("status=%s, want %s", got.Status, callrecord.StatusRinging)
	}
}

func TestMemory_UpdateEnforcesRecordRules(t *testing.T) {
	m := NewMemory()
	rec := newRingingCall(t, m)

	if _, err := m.UpdateCall(context.Background(), "missing", callrecord.EndPatch(time.Now())); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing record: err=%v, want ErrNotFound", err)
	}

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.Patch{LocalDescription: offer}); err != nil {
		t.Fatalf("write local description: %v", err)
	}
	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.Patch{LocalDescription: offer}); !errors.Is(err, callrecord.ErrDescriptionSet) {
		t.Fatalf("second local description write: err=%v, want ErrDescriptionSet", err)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	got, err := m.UpdateCall(context.Background(), rec.ID, callrecord.AnswerPatch(answer))
	if err != nil {
		t.Fatalf("answer patch: %v", err)
	}
	if got.Status != callrecord.StatusAnswered {
		t.Fatalf("status=%s, want %s", got.Status, callrecord.StatusAnswered)
	}

	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.AnswerPatch(answer)); err == nil {
		t.Fatalf("answered -> answered accepted, want error")
	}

	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.EndPatch(time.Now())); err != nil {
		t.Fatalf("end patch: %v", err)
	}
}

func TestMemory_SubscribeCallsFiltersAndOrders(t *testing.T) {
	m := NewMemory()

	var events []string
	unsub, err := m.SubscribeCalls(callrecord.Filter{CalleeID: "bob"},
		func(r callrecord.CallRecord) { events = append(events, "ins:"+r.ID) },
		func(r callrecord.CallRecord) { events = append(events, "upd:"+string(r.Status)) },
	)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	rec := newRingingCall(t, m)

	// Addressed to someone else; the filter must drop it.
	if _, err := m.CreateCall(context.Background(), callrecord.CallRecord{
		CallerID: "carol", CalleeID: "dave", Status: callrecord.StatusRinging, Mode: callrecord.ModeAudio,
	}); err != nil {
		t.Fatalf("create unrelated call: %v", err)
	}

	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.EndPatch(time.Now())); err != nil {
		t.Fatalf("end: %v", err)
	}

	want := []string{"ins:" + rec.ID, "upd:ended"}
	if len(events) != len(want) {
		t.Fatalf("events=%v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d]=%q, want %q", i, events[i], want[i])
		}
	}

	unsub()
	unsub() // idempotent
	if _, err := m.UpdateCall(context.Background(), rec.ID, callrecord.Patch{}); err != nil {
		t.Fatalf("empty patch after unsubscribe: %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("subscriber fired after unsubscribe: %v", events)
	}
}

func TestMemory_CandidatesExcludeSenderAndKeepOrder(t *testing.T) {
	m := NewMemory()
	rec := newRingingCall(t, m)

	var live []string
	unsub, err := m.SubscribeCandidates(rec.ID, func(c callrecord.CandidateRecord) {
		live = append(live, c.SenderID)
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer unsub()

	senders := []string{"alice", "bob", "alice", "bob", "bob"}
	for i, sender := range senders {
		if _, err := m.InsertCandidate(context.Background(), callrecord.CandidateRecord{
			CallID:   rec.ID,
			SenderID: sender,
			Payload:  json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i)),
		}); err != nil {
			t.Fatalf("insert candidate %d: %v", i, err)
		}
	}

	got, err := m.Candidates(context.Background(), rec.ID, "alice")
	if err != nil {
		t.Fatalf("query candidates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates=%d, want 3", len(got))
	}
	wantPayloads := []string{`{"candidate":"c1"}`, `{"candidate":"c3"}`, `{"candidate":"c4"}`}
	for i, cand := range got {
		if cand.SenderID != "bob" {
			t.Fatalf("candidate %d sender=%q, want bob", i, cand.SenderID)
		}
		if string(cand.Payload) != wantPayloads[i] {
			t.Fatalf("candidate %d payload=%s, want %s", i, cand.Payload, wantPayloads[i])
		}
	}

	if len(live) != len(senders) {
		t.Fatalf("live inserts=%d, want %d", len(live), len(senders))
	}

	if _, err := m.InsertCandidate(context.Background(), callrecord.CandidateRecord{
		CallID: "missing", SenderID: "alice", Payload: json.RawMessage(`{}`),
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("insert for unknown call: err=%v, want ErrNotFound", err)
	}
}

func TestMemory_CloseRejectsOperations(t *testing.T) {
	m := NewMemory()
	rec := newRingingCall(t, m)
	m.Close()

	if _, err := m.GetCall(context.Background(), rec.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("get after close: err=%v, want ErrClosed", err)
	}
	if _, err := m.SubscribeCalls(callrecord.Filter{}, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: err=%v, want ErrClosed", err)
	}
}
