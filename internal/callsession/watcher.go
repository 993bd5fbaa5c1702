package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/directory"
	"github.com/zapfon/calls/internal/sigstore"
)

// IncomingCall is a ringing call surfaced to the local user, with resolved
// caller presentation metadata.
type IncomingCall struct {
	CallID         string
	ConversationID string
	CallerID       string
	CallerName     string
	CallerAvatar   string
	Mode           callrecord.Mode
}

// WatcherConfig configures the incoming-call watcher.
type WatcherConfig struct {
	Store     sigstore.Store
	SelfID    string
	Directory directory.Lookup
	Logger    *slog.Logger

	// OnRing surfaces a new ringing call. A second ring replaces the first;
	// the first is cleared before the replacement is surfaced.
	OnRing func(IncomingCall)

	// OnClear reports that a surfaced call went away (answered elsewhere,
	// ended, or rejected) and should stop ringing.
	OnClear func(callID string)
}

// Watcher keeps a standing subscription on ringing calls addressed to the
// local user, independent of any active session. At most one call is
// surfaced at a time.
type Watcher struct {
	cfg   WatcherConfig
	unsub sigstore.Unsubscribe

	mu      sync.Mutex
	pending *IncomingCall
	closed  bool
}

// NewWatcher subscribes and starts watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Watcher{cfg: cfg}

	unsub, err := cfg.Store.SubscribeCalls(callrecord.Filter{CalleeID: cfg.SelfID},
		w.onInsert, w.onUpdate)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe incoming calls: %w", ErrSignaling, err)
	}
	w.unsub = unsub
	return w, nil
}

func (w *Watcher) onInsert(rec callrecord.CallRecord) {
	if rec.Status != callrecord.StatusRinging {
		return
	}

	incoming := IncomingCall{
		CallID:         rec.ID,
		ConversationID: rec.ConversationID,
		CallerID:       rec.CallerID,
		CallerName:     directory.PlaceholderName,
		Mode:           rec.Mode,
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var replaced *IncomingCall
	if w.pending != nil && w.pending.CallID != rec.ID {
		replaced = w.pending
	}
	w.pending = &incoming
	w.mu.Unlock()

	if replaced != nil && w.cfg.OnClear != nil {
		w.cfg.OnClear(replaced.CallID)
	}

	// Resolve the caller's profile off the dispatch path; presentation must
	// never delay signaling. Surface only if the call is still pending.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		profile := directory.ProfileOrPlaceholder(ctx, w.cfg.Directory, rec.CallerID)

		w.mu.Lock()
		if w.closed || w.pending == nil || w.pending.CallID != rec.ID {
			w.mu.Unlock()
			return
		}
		w.pending.CallerName = profile.Name
		w.pending.CallerAvatar = profile.AvatarURL
		surfaced := *w.pending
		w.mu.Unlock()

		w.cfg.Logger.Info("incoming call", "call_id", surfaced.CallID, "caller_id", surfaced.CallerID)
		if w.cfg.OnRing != nil {
			w.cfg.OnRing(surfaced)
		}
	}()
}

func (w *Watcher) onUpdate(rec callrecord.CallRecord) {
	switch rec.Status {
	case callrecord.StatusEnded, callrecord.StatusRejected, callrecord.StatusAnswered:
	default:
		return
	}

	w.mu.Lock()
	if w.pending == nil || w.pending.CallID != rec.ID {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.mu.Unlock()

	if w.cfg.OnClear != nil {
		w.cfg.OnClear(rec.ID)
	}
}

// Pending returns the currently surfaced call, if any.
func (w *Watcher) Pending() *IncomingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	p := *w.pending
	return &p
}

// Dismiss drops the surfaced call without touching the record. The caller
// keeps ringing; dismissal is purely local.
func (w *Watcher) Dismiss() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}

func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	w.pending = nil
	w.mu.Unlock()
	if w.unsub != nil {
		w.unsub()
	}
}
