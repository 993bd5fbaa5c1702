package callsession

import "errors"

var (
	// ErrAlreadyInCall rejects starting or answering while a session is live.
	ErrAlreadyInCall = errors.New("callsession: a call session is already active")

	// ErrMediaUnavailable reports that local media could not be acquired.
	ErrMediaUnavailable = errors.New("callsession: local media unavailable")

	// ErrSignaling wraps store failures during call setup or teardown.
	ErrSignaling = errors.New("callsession: signaling store failure")

	// ErrCallNotFound reports an answer or reject against an unknown call.
	ErrCallNotFound = errors.New("callsession: call not found")

	// ErrPeerLink wraps negotiation failures from the peer link.
	ErrPeerLink = errors.New("callsession: peer link failure")
)
