// Package callsession owns the lifecycle of call attempts: the per-call
// state machine, the adapter that translates store notifications into typed
// session events, the standing incoming-call watcher, and the orchestrator
// that binds them to local media and the peer link.
package callsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/media"
	"github.com/zapfon/calls/internal/metrics"
	"github.com/zapfon/calls/internal/peerlink"
	"github.com/zapfon/calls/internal/sigstore"
)

// Role distinguishes which side of the call this session plays.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateCalling  State = "calling"
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateEnded    State = "ended"
)

// Session is one call attempt. All negotiation reactions run on a single
// loop goroutine fed by the inbox; public methods only read snapshots or
// request termination.
type Session struct {
	callID string
	selfID string
	peerID string
	role   Role

	store   sigstore.Store
	link    peerlink.Link
	handle  *media.Handle
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	inbox  *inbox
	unsubs []sigstore.Unsubscribe

	mu     sync.Mutex
	state  State
	record callrecord.CallRecord

	// Loop-owned after run starts. remoteReady gates candidate application;
	// pending holds candidates that arrived first, in arrival order; seen
	// dedupes the stored-candidate drain against the live subscription.
	remoteReady bool
	pending     []json.RawMessage
	seen        map[string]struct{}

	cleanupOnce sync.Once
	done        chan struct{}
	onEnded     func(*Session)
}

func (s *Session) CallID() string { return s.callID }

func (s *Session) Role() Role { return s.role }

func (s *Session) Peer() string { return s.peerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the latest observed call record snapshot.
func (s *Session) Record() callrecord.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Done closes when the session has fully cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetMuted pauses or resumes outbound audio.
func (s *Session) SetMuted(muted bool) {
	if s.handle != nil {
		s.handle.SetMuted(muted)
	}
}

func (s *Session) Muted() bool {
	return s.handle != nil && s.handle.Muted()
}

// End hangs up: it writes the terminal record best-effort and cleans up.
// Safe to call any number of times, from any goroutine.
func (s *Session) End(ctx context.Context) {
	s.finish(ctx, true)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) run() {
	for {
		ev, ok := s.inbox.Dequeue()
		if !ok {
			return
		}
		switch ev.kind {
		case eventRecordUpdate:
			s.handleRecordUpdate(ev.rec)
		case eventCandidate:
			s.handleCandidate(ev.cand)
		case eventConnectivity:
			s.handleConnectivity(ev.conn)
		}
	}
}

func (s *Session) handleRecordUpdate(rec callrecord.CallRecord) {
	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	switch rec.Status {
	case callrecord.StatusAnswered:
		if s.role != RoleCaller || len(rec.RemoteDescription) == 0 {
			return
		}
		// A stale or duplicate answer arrives after the link has moved on;
		// only apply while the link still awaits exactly this description.
		if !s.link.AwaitingRemoteDescription() {
			return
		}
		if err := s.link.ApplyRemoteDescription(rec.RemoteDescription); err != nil {
			s.logger.Error("apply remote answer", "call_id", s.callID, "err", err)
			s.finish(context.Background(), true)
			return
		}
		s.setState(StateAnswered)
		s.remoteReady = true
		s.flushPending()
		s.logger.Info("call answered", "call_id", s.callID, "peer_id", s.peerID)

	case callrecord.StatusEnded, callrecord.StatusRejected:
		s.logger.Info("call terminated by record", "call_id", s.callID, "status", rec.Status)
		s.finish(context.Background(), false)
	}
}

func (s *Session) handleCandidate(cand callrecord.CandidateRecord) {
	if cand.SenderID == s.selfID {
		return
	}
	if _, dup := s.seen[cand.ID]; dup {
		return
	}
	s.seen[cand.ID] = struct{}{}

	if !s.remoteReady {
		s.pending = append(s.pending, cand.Payload)
		return
	}
	if err := s.link.AddRemoteCandidate(cand.Payload); err != nil {
		s.logger.Warn("apply remote candidate", "call_id", s.callID, "err", err)
	}
}

func (s *Session) flushPending() {
	for _, payload := range s.pending {
		if err := s.link.AddRemoteCandidate(payload); err != nil {
			s.logger.Warn("apply buffered candidate", "call_id", s.callID, "err", err)
		}
	}
	s.pending = nil
}

func (s *Session) handleConnectivity(cs peerlink.ConnState) {
	switch cs {
	case peerlink.ConnDisconnected, peerlink.ConnFailed:
		s.logger.Warn("peer link lost", "call_id", s.callID, "conn_state", cs)
		s.finish(context.Background(), true)
	case peerlink.ConnClosed:
		s.finish(context.Background(), false)
	}
}

// finish is the single cleanup path. writeRecord marks the record ended
// first; losing that write to the peer's own terminal update is expected and
// not an error.
func (s *Session) finish(ctx context.Context, writeRecord bool) {
	s.cleanupOnce.Do(func() {
		if writeRecord {
			if _, err := s.store.UpdateCall(ctx, s.callID, callrecord.EndPatch(s.now().UTC())); err != nil {
				s.logger.Debug("end record write", "call_id", s.callID, "err", err)
			}
		}
		for _, unsub := range s.unsubs {
			unsub()
		}
		if s.handle != nil {
			s.handle.Release()
		}
		if s.link != nil {
			if err := s.link.Close(); err != nil {
				s.logger.Debug("close peer link", "call_id", s.callID, "err", err)
			}
		}
		s.setState(StateEnded)
		s.inbox.Close()
		s.metrics.Inc(metrics.CallsEnded)
		s.logger.Info("call session ended", "call_id", s.callID, "role", s.role)
		if s.onEnded != nil {
			s.onEnded(s)
		}
		close(s.done)
	})
}
