package callrecord

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusRinging, StatusAnswered, true},
		{StatusRinging, StatusRejected, true},
		{StatusRinging, StatusEnded, true},
		{StatusAnswered, StatusEnded, true},
		{StatusRejected, StatusEnded, true},
		{StatusEnded, StatusEnded, false},
		{StatusAnswered, StatusRinging, false},
		{StatusAnswered, StatusRejected, false},
		{StatusEnded, StatusAnswered, false},
		{StatusRinging, Status("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPatch_Validate_WriteOnceDescriptions(t *testing.T) {
	cur := CallRecord{Status: StatusRinging, LocalDescription: json.RawMessage(`{"type":"offer"}`)}

	p := Patch{LocalDescription: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
	if err := p.Validate(cur); !errors.Is(err, ErrDescriptionSet) {
		t.Fatalf("overwriting local description: err=%v, want ErrDescriptionSet", err)
	}

	p = AnswerPatch(json.RawMessage(`{"type":"answer"}`))
	if err := p.Validate(cur); err != nil {
		t.Fatalf("first remote description write: err=%v, want nil", err)
	}

	cur = p.Apply(cur)
	if cur.Status != StatusAnswered {
		t.Fatalf("status=%s, want %s", cur.Status, StatusAnswered)
	}
	if err := p.Validate(cur); !errors.Is(err, ErrDescriptionSet) {
		t.Fatalf("second remote description write: err=%v, want ErrDescriptionSet", err)
	}
}

func TestPatch_Validate_EndedAt(t *testing.T) {
	now := time.Now()

	p := Patch{EndedAt: &now}
	if err := p.Validate(CallRecord{Status: StatusAnswered}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("ended timestamp without terminal status: err=%v, want ErrBadTransition", err)
	}

	p = EndPatch(now)
	cur := CallRecord{Status: StatusAnswered}
	if err := p.Validate(cur); err != nil {
		t.Fatalf("end patch: err=%v, want nil", err)
	}
	cur = p.Apply(cur)
	if cur.EndedAt == nil || !cur.EndedAt.Equal(now) {
		t.Fatalf("endedAt=%v, want %v", cur.EndedAt, now)
	}

	if err := EndPatch(now.Add(time.Second)).Validate(cur); err == nil {
		t.Fatalf("second end patch validated, want error")
	}
}

func TestFilter_Match(t *testing.T) {
	rec := CallRecord{ID: "c1", CalleeID: "bob"}

	if !(Filter{}).Match(rec) {
		t.Fatalf("empty filter must match everything")
	}
	if !(Filter{ID: "c1"}).Match(rec) {
		t.Fatalf("id filter should match")
	}
	if (Filter{ID: "c2"}).Match(rec) {
		t.Fatalf("id filter should not match other record")
	}
	if !(Filter{CalleeID: "bob"}).Match(rec) {
		t.Fatalf("callee filter should match")
	}
	if (Filter{CalleeID: "alice"}).Match(rec) {
		t.Fatalf("callee filter should not match other callee")
	}
}
