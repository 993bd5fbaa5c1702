// Package callrecord defines the durable, shared representation of one call
// attempt: the call record negotiated through the signaling store and the
// trickled connectivity candidates attached to it.
package callrecord

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a call record. Writes are monotonic:
// ringing -> answered, ringing -> rejected, and any non-ended status -> ended
// are the only legal transitions.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusAnswered, StatusEnded, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further negotiation can happen on a record in
// this status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// CanTransition reports whether a status write from s to to is legal.
func (s Status) CanTransition(to Status) bool {
	if !to.Valid() {
		return false
	}
	if to == StatusEnded {
		return s != StatusEnded
	}
	if s == StatusRinging {
		return to == StatusAnswered || to == StatusRejected
	}
	return false
}

// Mode selects which local media is captured for a call.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

func (m Mode) Valid() bool {
	return m == ModeAudio || m == ModeVideo
}

// CallRecord is the shared record of one call attempt.
//
// CallerID and CalleeID are immutable after creation. LocalDescription is
// authored by the caller and RemoteDescription by the callee, each written at
// most once, in that order. The description payloads are opaque to the store.
type CallRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	CalleeID       string `json:"calleeId"`
	Mode           Mode   `json:"mode"`
	Status         Status `json:"status"`

	LocalDescription  json.RawMessage `json:"localDescription,omitempty"`
	RemoteDescription json.RawMessage `json:"remoteDescription,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the record still names a live or pending call.
func (r CallRecord) Active() bool {
	return r.Status == StatusRinging || r.Status == StatusAnswered
}

// CandidateRecord is one trickled connectivity hint. Candidate rows are
// append-only; they are never updated.
type CandidateRecord struct {
	ID        string          `json:"id"`
	CallID    string          `json:"callId"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Filter selects call records for a subscription. Zero-valued fields match
// everything; non-empty fields must match exactly.
type Filter struct {
	ID       string `json:"id,omitempty"`
	CalleeID string `json:"calleeId,omitempty"`
}

func (f Filter) Match(r CallRecord) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.CalleeID != "" && r.CalleeID != f.CalleeID {
		return false
	}
	return true
}
