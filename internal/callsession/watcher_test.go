package callsession

import (
	"context"
	"testing"
	"time"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/directory"
	"github.com/zapfon/calls/internal/sigstore"
)

func newTestWatcher(t *testing.T, store sigstore.Store, selfID string, dir directory.Lookup) (*Watcher, chan IncomingCall, chan string) {
	t.Helper()
	rings := make(chan IncomingCall, 8)
	clears := make(chan string, 8)
	w, err := NewWatcher(WatcherConfig{
		Store:     store,
		SelfID:    selfID,
		Directory: dir,
		OnRing:    func(in IncomingCall) { rings <- in },
		OnClear:   func(callID string) { clears <- callID },
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(w.Close)
	return w, rings, clears
}

func ringCall(t *testing.T, store sigstore.Store, callerID, calleeID string) callrecord.CallRecord {
	t.Helper()
	rec, err := store.CreateCall(context.Background(), callrecord.CallRecord{
		ConversationID: "conv-1",
		CallerID:       callerID,
		CalleeID:       calleeID,
		Mode:           callrecord.ModeAudio,
		Status:         callrecord.StatusRinging,
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	return rec
}

func TestWatcher_SurfacesIncomingCallWithProfile(t *testing.T) {
	store := sigstore.NewMemory()
	dir := directory.NewMemory()
	dir.Put("alice", directory.Profile{Name: "Alice", AvatarURL: "https://cdn.example/a.png"})
	w, rings, _ := newTestWatcher(t, store, "bob", dir)

	rec := ringCall(t, store, "alice", "bob")

	select {
	case in := <-rings:
		if in.CallID != rec.ID || in.CallerID != "alice" {
			t.Fatalf("incoming=%+v", in)
		}
		if in.CallerName != "Alice" || in.CallerAvatar != "https://cdn.example/a.png" {
			t.Fatalf("profile not resolved: %+v", in)
		}
		if in.Mode != callrecord.ModeAudio {
			t.Fatalf("mode=%s, want audio", in.Mode)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("incoming call never surfaced")
	}

	if p := w.Pending(); p == nil || p.CallID != rec.ID {
		t.Fatalf("pending=%+v, want call %s", p, rec.ID)
	}
}

func TestWatcher_PlaceholderWhenProfileUnknown(t *testing.T) {
	store := sigstore.NewMemory()
	_, rings, _ := newTestWatcher(t, store, "bob", directory.NewMemory())

	ringCall(t, store, "stranger", "bob")

	select {
	case in := <-rings:
		if in.CallerName != directory.PlaceholderName {
			t.Fatalf("name=%q, want placeholder", in.CallerName)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("incoming call never surfaced")
	}
}

func TestWatcher_IgnoresCallsForOthers(t *testing.T) {
	store := sigstore.NewMemory()
	w, rings, _ := newTestWatcher(t, store, "bob", directory.NewMemory())

	ringCall(t, store, "alice", "carol")

	select {
	case in := <-rings:
		t.Fatalf("surfaced a call for another callee: %+v", in)
	case <-time.After(200 * time.Millisecond):
	}
	if w.Pending() != nil {
		t.Fatalf("pending set for another callee's call")
	}
}

func TestWatcher_ClearsOnTerminalUpdate(t *testing.T) {
	for _, status := range []callrecord.Status{callrecord.StatusEnded, callrecord.StatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			store := sigstore.NewMemory()
			w, rings, clears := newTestWatcher(t, store, "bob", directory.NewMemory())

			rec := ringCall(t, store, "alice", "bob")
			<-rings

			now := time.Now().UTC()
			patch := callrecord.EndPatch(now)
			if status == callrecord.StatusRejected {
				patch = callrecord.RejectPatch(now)
			}
			if _, err := store.UpdateCall(context.Background(), rec.ID, patch); err != nil {
				t.Fatalf("terminal write: %v", err)
			}

			select {
			case id := <-clears:
				if id != rec.ID {
					t.Fatalf("cleared %q, want %q", id, rec.ID)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("surfaced call never cleared")
			}
			if w.Pending() != nil {
				t.Fatalf("pending survived terminal update")
			}
		})
	}
}

func TestWatcher_ClearsWhenAnsweredElsewhere(t *testing.T) {
	store := sigstore.NewMemory()
	w, rings, clears := newTestWatcher(t, store, "bob", directory.NewMemory())

	rec := ringCall(t, store, "alice", "bob")
	<-rings

	if _, err := store.UpdateCall(context.Background(), rec.ID,
		callrecord.AnswerPatch([]byte(`{"type":"answer"}`))); err != nil {
		t.Fatalf("answer write: %v", err)
	}

	select {
	case id := <-clears:
		if id != rec.ID {
			t.Fatalf("cleared %q, want %q", id, rec.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("answered call never cleared")
	}
	if w.Pending() != nil {
		t.Fatalf("pending survived answer")
	}
}

func TestWatcher_SecondRingReplacesFirst(t *testing.T) {
	store := sigstore.NewMemory()
	w, rings, clears := newTestWatcher(t, store, "bob", directory.NewMemory())

	first := ringCall(t, store, "alice", "bob")
	<-rings

	second := ringCall(t, store, "carol", "bob")

	select {
	case id := <-clears:
		if id != first.ID {
			t.Fatalf("cleared %q, want first call %q", id, first.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("first ring never cleared")
	}

	select {
	case in := <-rings:
		if in.CallID != second.ID {
			t.Fatalf("surfaced %q, want second call %q", in.CallID, second.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("second ring never surfaced")
	}
	if p := w.Pending(); p == nil || p.CallID != second.ID {
		t.Fatalf("pending=%+v, want second call", p)
	}
}

func TestWatcher_DismissIsLocal(t *testing.T) {
	store := sigstore.NewMemory()
	w, rings, _ := newTestWatcher(t, store, "bob", directory.NewMemory())

	rec := ringCall(t, store, "alice", "bob")
	<-rings

	w.Dismiss()
	if w.Pending() != nil {
		t.Fatalf("pending survived dismiss")
	}

	// Dismissal never touches the record; the caller keeps ringing.
	got, err := store.GetCall(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != callrecord.StatusRinging {
		t.Fatalf("status=%s, want ringing", got.Status)
	}
}
