// Package sigwire models the WebSocket protocol between a signaling client
// and the zapfon-sigrelay server. Requests carry a client-chosen correlation
// id; subscriptions are identified by a server-assigned watch id that tags
// every pushed event.
package sigwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zapfon/calls/internal/callrecord"
)

type MessageType string

const (
	// Client -> server.
	TypeAuth            MessageType = "auth"
	TypeCreateCall      MessageType = "create_call"
	TypeUpdateCall      MessageType = "update_call"
	TypeGetCall         MessageType = "get_call"
	TypeInsertCandidate MessageType = "insert_candidate"
	TypeQueryCandidates MessageType = "query_candidates"
	TypeWatchCalls      MessageType = "watch_calls"
	TypeWatchCandidates MessageType = "watch_candidates"
	TypeUnwatch         MessageType = "unwatch"

	// Server -> client.
	TypeResult            MessageType = "result"
	TypeError             MessageType = "error"
	TypeCallInserted      MessageType = "call_inserted"
	TypeCallUpdated       MessageType = "call_updated"
	TypeCandidateInserted MessageType = "candidate_inserted"
)

// Error codes carried on TypeError messages.
const (
	CodeUnauthorized  = "unauthorized"
	CodeBadMessage    = "bad_message"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeRateLimited   = "rate_limited"
	CodeInternalError = "internal_error"
)

type Message struct {
	Type MessageType `json:"type"`

	// ID correlates a request with its result/error. Events carry the ID of
	// the watch request that established the subscription in Watch.
	ID    uint64 `json:"id,omitempty"`
	Watch uint64 `json:"watch,omitempty"`

	// Auth credentials (TypeAuth).
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	CallID        string `json:"callId,omitempty"`
	ExcludeSender string `json:"excludeSender,omitempty"`

	Call       *callrecord.CallRecord       `json:"call,omitempty"`
	Patch      *callrecord.Patch            `json:"patch,omitempty"`
	Filter     *callrecord.Filter           `json:"filter,omitempty"`
	Candidate  *callrecord.CandidateRecord  `json:"candidate,omitempty"`
	Candidates []callrecord.CandidateRecord `json:"candidates,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes a wire message strictly: unknown fields and trailing data
// are rejected, and the per-type shape is validated.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
	case TypeCreateCall:
		if m.Call == nil {
			return fmt.Errorf("create_call message missing call")
		}
		if m.ID == 0 {
			return fmt.Errorf("create_call message missing id")
		}
	case TypeUpdateCall:
		if m.CallID == "" || m.Patch == nil {
			return fmt.Errorf("update_call message missing callId/patch")
		}
		if m.ID == 0 {
			return fmt.Errorf("update_call message missing id")
		}
	case TypeGetCall:
		if m.CallID == "" {
			return fmt.Errorf("get_call message missing callId")
		}
		if m.ID == 0 {
			return fmt.Errorf("get_call message missing id")
		}
	case TypeInsertCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("insert_candidate message missing candidate")
		}
		if m.ID == 0 {
			return fmt.Errorf("insert_candidate message missing id")
		}
	case TypeQueryCandidates:
		if m.CallID == "" {
			return fmt.Errorf("query_candidates message missing callId")
		}
		if m.ID == 0 {
			return fmt.Errorf("query_candidates message missing id")
		}
	case TypeWatchCalls:
		if m.Filter == nil {
			return fmt.Errorf("watch_calls message missing filter")
		}
		if m.ID == 0 {
			return fmt.Errorf("watch_calls message missing id")
		}
	case TypeWatchCandidates:
		if m.CallID == "" {
			return fmt.Errorf("watch_candidates message missing callId")
		}
		if m.ID == 0 {
			return fmt.Errorf("watch_candidates message missing id")
		}
	case TypeUnwatch:
		if m.Watch == 0 {
			return fmt.Errorf("unwatch message missing watch")
		}
	case TypeResult:
		// Results to auth messages carry no correlation id.
	case TypeError:
		if m.Code == "" {
			return fmt.Errorf("error message missing code")
		}
	case TypeCallInserted, TypeCallUpdated:
		if m.Call == nil || m.Watch == 0 {
			return fmt.Errorf("%s message missing call/watch", m.Type)
		}
	case TypeCandidateInserted:
		if m.Candidate == nil || m.Watch == 0 {
			return fmt.Errorf("candidate_inserted message missing candidate/watch")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
