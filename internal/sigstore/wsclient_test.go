package sigstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/sigwire"
)

var testUpgrader = websocket.Upgrader{}

// fakeRelay serves one WebSocket endpoint and hands every parsed frame to fn,
// which writes whatever reply frames it wants on the same connection.
func fakeRelay(t *testing.T, fn func(ws *websocket.Conn, msg sigwire.Message)) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := sigwire.Parse(data)
			if err != nil {
				t.Errorf("relay parse: %v", err)
				return
			}
			fn(ws, msg)
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSClient_CallEventRacingWatchResult(t *testing.T) {
	url := fakeRelay(t, func(ws *websocket.Conn, msg sigwire.Message) {
		switch msg.Type {
		case sigwire.TypeWatchCalls:
			// A matching insert can land between the subscription taking
			// effect on the relay and its result frame reaching the client.
			// Pushing the event first pins that ordering.
			rec := callrecord.CallRecord{ID: "c1", CalleeID: "bob", Status: callrecord.StatusRinging}
			_ = ws.WriteJSON(sigwire.Message{Type: sigwire.TypeCallInserted, Watch: msg.ID, Call: &rec})
			_ = ws.WriteJSON(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Watch: msg.ID})
		case sigwire.TypeUnwatch:
		default:
			t.Errorf("unexpected frame %s", msg.Type)
		}
	})

	c, err := DialWS(context.Background(), url, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	inserted := make(chan callrecord.CallRecord, 1)
	unsub, err := c.SubscribeCalls(callrecord.Filter{CalleeID: "bob"},
		func(rec callrecord.CallRecord) { inserted <- rec }, nil)
	if err != nil {
		t.Fatalf("subscribe calls: %v", err)
	}
	defer unsub()

	select {
	case rec := <-inserted:
		if rec.ID != "c1" {
			t.Fatalf("event call=%+v, want c1", rec)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event pushed before the watch result was dropped")
	}
}

func TestWSClient_CandidateEventRacingWatchResult(t *testing.T) {
	url := fakeRelay(t, func(ws *websocket.Conn, msg sigwire.Message) {
		switch msg.Type {
		case sigwire.TypeWatchCandidates:
			cand := callrecord.CandidateRecord{ID: "cd1", CallID: msg.CallID, SenderID: "alice"}
			_ = ws.WriteJSON(sigwire.Message{Type: sigwire.TypeCandidateInserted, Watch: msg.ID, Candidate: &cand})
			_ = ws.WriteJSON(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Watch: msg.ID})
		case sigwire.TypeUnwatch:
		default:
			t.Errorf("unexpected frame %s", msg.Type)
		}
	})

	c, err := DialWS(context.Background(), url, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	inserted := make(chan callrecord.CandidateRecord, 1)
	unsub, err := c.SubscribeCandidates("call-1", func(cand callrecord.CandidateRecord) { inserted <- cand })
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer unsub()

	select {
	case cand := <-inserted:
		if cand.ID != "cd1" || cand.CallID != "call-1" {
			t.Fatalf("event candidate=%+v, want cd1 on call-1", cand)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event pushed before the watch result was dropped")
	}
}
