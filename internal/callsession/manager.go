package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/directory"
	"github.com/zapfon/calls/internal/media"
	"github.com/zapfon/calls/internal/metrics"
	"github.com/zapfon/calls/internal/peerlink"
	"github.com/zapfon/calls/internal/push"
	"github.com/zapfon/calls/internal/sigstore"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store  sigstore.Store
	SelfID string
	Media  media.Source

	Directory directory.Lookup
	Push      push.Dispatcher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// API and ICEServers build production peer links. NewLink overrides link
	// construction entirely; tests use it to substitute a fake link.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	NewLink    func() (peerlink.Link, error)

	// OnRemoteTrack receives inbound media from the active session.
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager is the session orchestrator. It owns at most one active Session at
// a time and exposes the user-facing call operations.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	current  *Session
	starting bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("callsession: Config.Store is required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("callsession: Config.SelfID is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("callsession: Config.Media is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}, nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StartCall places an outbound call: acquires local media, creates the
// ringing record, publishes the local description, and notifies the callee.
// Any failure aborts the attempt and cleans up; no retry happens here.
func (m *Manager) StartCall(ctx context.Context, calleeID, conversationID string, mode callrecord.Mode) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			m.releaseReservation()
		}
	}()

	handle, err := m.cfg.Media.Acquire(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	link, err := m.newLink()
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("%w: %w", ErrPeerLink, err)
	}
	if err := link.AttachLocalTracks(handle.Tracks()); err != nil {
		handle.Release()
		_ = link.Close()
		return nil, fmt.Errorf("%w: %w", ErrPeerLink, err)
	}

	rec, err := m.cfg.Store.CreateCall(ctx, callrecord.CallRecord{
		ConversationID: conversationID,
		CallerID:       m.cfg.SelfID,
		CalleeID:       calleeID,
		Mode:           mode,
		Status:         callrecord.StatusRinging,
	})
	if err != nil {
		handle.Release()
		_ = link.Close()
		return nil, fmt.Errorf("%w: create call: %w", ErrSignaling, err)
	}
	m.cfg.Metrics.Inc(metrics.CallsStarted)

	s := m.newSession(RoleCaller, rec.ID, calleeID, handle, link)
	s.record = rec

	if err := s.bindSignaling(); err != nil {
		s.finish(ctx, true)
		return nil, err
	}
	s.bindLink(m.cfg.OnRemoteTrack)

	offer, err := link.CreateLocalDescription()
	if err != nil {
		s.finish(ctx, true)
		return nil, fmt.Errorf("%w: create offer: %w", ErrPeerLink, err)
	}
	rec, err = m.cfg.Store.UpdateCall(ctx, rec.ID, callrecord.Patch{LocalDescription: offer})
	if err != nil {
		s.finish(ctx, true)
		return nil, fmt.Errorf("%w: write offer: %w", ErrSignaling, err)
	}
	s.mu.Lock()
	s.record = rec
	s.state = StateRinging
	s.mu.Unlock()

	go s.run()
	m.commit(s)
	committed = true

	m.notifyCallee(ctx, rec)
	m.logger.Info("call started", "call_id", rec.ID, "callee_id", calleeID, "mode", mode)
	return s, nil
}

// AnswerCall accepts a ringing inbound call: it applies the caller's offer,
// writes the answer, and replays candidates stored before the subscription.
func (m *Manager) AnswerCall(ctx context.Context, callID string) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			m.releaseReservation()
		}
	}()

	rec, err := m.cfg.Store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, sigstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
		}
		return nil, fmt.Errorf("%w: get call: %w", ErrSignaling, err)
	}
	if rec.Status != callrecord.StatusRinging {
		return nil, fmt.Errorf("%w: call %s is %s", ErrCallNotFound, callID, rec.Status)
	}
	if len(rec.LocalDescription) == 0 {
		return nil, fmt.Errorf("%w: call %s has no offer yet", ErrCallNotFound, callID)
	}

	handle, err := m.cfg.Media.Acquire(ctx, rec.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	link, err := m.newLink()
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("%w: %w", ErrPeerLink, err)
	}
	if err := link.AttachLocalTracks(handle.Tracks()); err != nil {
		handle.Release()
		_ = link.Close()
		return nil, fmt.Errorf("%w: %w", ErrPeerLink, err)
	}

	s := m.newSession(RoleCallee, rec.ID, rec.CallerID, handle, link)
	s.record = rec

	if err := s.bindSignaling(); err != nil {
		s.finish(ctx, false)
		return nil, err
	}
	s.bindLink(m.cfg.OnRemoteTrack)

	if err := link.ApplyRemoteDescription(rec.LocalDescription); err != nil {
		s.finish(ctx, false)
		return nil, fmt.Errorf("%w: apply offer: %w", ErrPeerLink, err)
	}
	s.remoteReady = true

	answer, err := link.CreateLocalDescription()
	if err != nil {
		s.finish(ctx, false)
		return nil, fmt.Errorf("%w: create answer: %w", ErrPeerLink, err)
	}
	rec, err = m.cfg.Store.UpdateCall(ctx, callID, callrecord.AnswerPatch(answer))
	if err != nil {
		s.finish(ctx, false)
		if errors.Is(err, sigstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
		}
		if errors.Is(err, callrecord.ErrBadTransition) {
			// Raced a terminal write from the other side.
			return nil, fmt.Errorf("%w: call %s already terminated", ErrCallNotFound, callID)
		}
		return nil, fmt.Errorf("%w: write answer: %w", ErrSignaling, err)
	}
	s.mu.Lock()
	s.record = rec
	s.state = StateAnswered
	s.mu.Unlock()
	m.cfg.Metrics.Inc(metrics.CallsAnswered)

	// Candidates the caller trickled before we subscribed sit in the store;
	// replay them ahead of live ones.
	if err := s.drainStoredCandidates(ctx); err != nil {
		m.logger.Warn("drain stored candidates", "call_id", callID, "err", err)
	}

	go s.run()
	m.commit(s)
	committed = true

	m.logger.Info("call answered", "call_id", callID, "caller_id", s.peerID)
	return s, nil
}

// RejectCall declines a ringing call without building a session. The write is
// best-effort: a missing record or failed store round-trip is logged and
// swallowed so the decline never blocks the callee's UI flow.
func (m *Manager) RejectCall(ctx context.Context, callID string) {
	_, err := m.cfg.Store.UpdateCall(ctx, callID, callrecord.RejectPatch(m.cfg.Now().UTC()))
	if err != nil {
		m.logger.Warn("reject call", "call_id", callID, "err", err)
		return
	}
	m.cfg.Metrics.Inc(metrics.CallsRejected)
	m.logger.Info("call rejected", "call_id", callID)
}

// EndCall hangs up the active session. A no-op when no session is active.
func (m *Manager) EndCall(ctx context.Context) {
	s := m.Current()
	if s == nil {
		return
	}
	s.End(ctx)
}

func (m *Manager) newLink() (peerlink.Link, error) {
	if m.cfg.NewLink != nil {
		return m.cfg.NewLink()
	}
	return peerlink.New(m.cfg.API, m.cfg.ICEServers, m.logger)
}

func (m *Manager) newSession(role Role, callID, peerID string, handle *media.Handle, link peerlink.Link) *Session {
	return &Session{
		callID:  callID,
		selfID:  m.cfg.SelfID,
		peerID:  peerID,
		role:    role,
		store:   m.cfg.Store,
		link:    link,
		handle:  handle,
		metrics: m.cfg.Metrics,
		logger:  m.logger,
		now:     m.cfg.Now,
		inbox:   newInbox(),
		state:   StateCalling,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
		onEnded: m.sessionEnded,
	}
}

func (m *Manager) notifyCallee(ctx context.Context, rec callrecord.CallRecord) {
	name := directory.ProfileOrPlaceholder(ctx, m.cfg.Directory, rec.CallerID).Name
	push.Send(ctx, m.cfg.Push, m.logger, rec.CalleeID, push.Note{
		Title: "Incoming call",
		Body:  fmt.Sprintf("%s is calling", name),
		Data: map[string]string{
			"callId":         rec.ID,
			"conversationId": rec.ConversationID,
			"mode":           string(rec.Mode),
		},
	})
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starting || m.current != nil {
		return ErrAlreadyInCall
	}
	m.starting = true
	return nil
}

func (m *Manager) releaseReservation() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

func (m *Manager) commit(s *Session) {
	m.mu.Lock()
	m.starting = false
	// The session may have already ended if a remote terminal update raced
	// the setup; never park a dead session as current.
	if s.State() != StateEnded {
		m.current = s
	}
	m.mu.Unlock()
}

func (m *Manager) sessionEnded(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}
