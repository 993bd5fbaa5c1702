package peerlink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionLink is the production Link over a pion PeerConnection.
type PionLink struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onTrack     func(*webrtc.TrackRemote)
	onConn      func(ConnState)

	closeOnce sync.Once
	closeErr  error
}

var _ Link = (*PionLink)(nil)

// New builds a link on a fresh PeerConnection from the shared API. Register
// callbacks and attach tracks before creating the local description.
func New(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) (*PionLink, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &PionLink{pc: pc, logger: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-gathering marker; nothing to trickle.
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.logger.Error("marshal local candidate", "err", err)
			return
		}
		l.mu.Lock()
		fn := l.onCandidate
		l.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.mu.Lock()
		fn := l.onTrack
		l.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		var cs ConnState
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			cs = ConnConnected
		case webrtc.ICEConnectionStateDisconnected:
			cs = ConnDisconnected
		case webrtc.ICEConnectionStateFailed:
			cs = ConnFailed
		case webrtc.ICEConnectionStateClosed:
			cs = ConnClosed
		default:
			return
		}
		l.mu.Lock()
		fn := l.onConn
		l.mu.Unlock()
		if fn != nil {
			fn(cs)
		}
	})

	return l, nil
}

func (l *PionLink) AttachLocalTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := l.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func (l *PionLink) CreateLocalDescription() (json.RawMessage, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if l.pc.RemoteDescription() == nil {
		desc, err = l.pc.CreateOffer(nil)
	} else {
		desc, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create description: %w", err)
	}
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("marshal description: %w", err)
	}
	return payload, nil
}

func (l *PionLink) ApplyRemoteDescription(payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: %w", ErrBadDescription, err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (l *PionLink) AddRemoteCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("%w: %w", ErrBadCandidate, err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (l *PionLink) AwaitingRemoteDescription() bool {
	return l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (l *PionLink) OnLocalCandidate(fn func(json.RawMessage)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *PionLink) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *PionLink) OnConnectivityChange(fn func(ConnState)) {
	l.mu.Lock()
	l.onConn = fn
	l.mu.Unlock()
}

func (l *PionLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.onCandidate = nil
		l.onTrack = nil
		l.onConn = nil
		l.mu.Unlock()
		l.closeErr = l.pc.Close()
	})
	return l.closeErr
}
