// Package peerlink wraps media-session negotiation behind a small Link
// surface: attach local tracks, exchange opaque description and candidate
// payloads, observe inbound tracks and connectivity changes. Call sessions
// drive the link; they never touch the underlying peer connection.
package peerlink

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed         = errors.New("peerlink: link closed")
	ErrBadDescription = errors.New("peerlink: malformed session description")
	ErrBadCandidate   = errors.New("peerlink: malformed candidate")
)

// ConnState is the link's coarse connectivity state as seen by a session.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Link is one endpoint of a negotiated media session. Descriptions and
// candidates are opaque JSON payloads suitable for a call record; the caller
// decides when to create, apply, and forward them.
//
// Callback registration must happen before negotiation starts. Callbacks are
// invoked from the link's own goroutines and must not block.
type Link interface {
	// AttachLocalTracks adds outbound media before the local description is
	// created.
	AttachLocalTracks(tracks []webrtc.TrackLocal) error

	// CreateLocalDescription produces this endpoint's description and sets it
	// locally: an offer when no remote description has been applied yet, an
	// answer otherwise. Candidates trickle separately; the description is
	// returned without waiting for gathering.
	CreateLocalDescription() (json.RawMessage, error)

	// ApplyRemoteDescription applies the remote endpoint's description.
	ApplyRemoteDescription(payload json.RawMessage) error

	// AddRemoteCandidate applies one trickled connectivity candidate. The
	// remote description must already be applied.
	AddRemoteCandidate(payload json.RawMessage) error

	// AwaitingRemoteDescription reports whether the link has offered and is
	// still waiting for the remote answer. Sessions use it to discard stale
	// or duplicate answer updates.
	AwaitingRemoteDescription() bool

	OnLocalCandidate(fn func(payload json.RawMessage))
	OnRemoteTrack(fn func(track *webrtc.TrackRemote))
	OnConnectivityChange(fn func(state ConnState))

	// Close releases the link. Idempotent.
	Close() error
}
