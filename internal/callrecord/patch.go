package callrecord

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadTransition  = errors.New("illegal call status transition")
	ErrDescriptionSet = errors.New("description already written")
	ErrEndedAtSet     = errors.New("ended timestamp already written")
)

// Patch is a partial update to a call record. Nil/empty fields are left
// untouched. Participant identifiers and the creation timestamp are not
// patchable.
type Patch struct {
	Status            *Status         `json:"status,omitempty"`
	LocalDescription  json.RawMessage `json:"localDescription,omitempty"`
	RemoteDescription json.RawMessage `json:"remoteDescription,omitempty"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
}

// Validate checks the patch against the current record: descriptions are
// write-once, status writes must follow the monotonic transition rules, and
// the end timestamp may only be written once, alongside a terminal status.
func (p Patch) Validate(cur CallRecord) error {
	if p.Status != nil && !cur.Status.CanTransition(*p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, cur.Status, *p.Status)
	}
	if len(p.LocalDescription) > 0 && len(cur.LocalDescription) > 0 {
		return fmt.Errorf("%w: local", ErrDescriptionSet)
	}
	if len(p.RemoteDescription) > 0 && len(cur.RemoteDescription) > 0 {
		return fmt.Errorf("%w: remote", ErrDescriptionSet)
	}
	if p.EndedAt != nil {
		if cur.EndedAt != nil {
			return ErrEndedAtSet
		}
		if p.Status == nil || !p.Status.Terminal() {
			return fmt.Errorf("%w: ended timestamp requires a terminal status", ErrBadTransition)
		}
	}
	return nil
}

// Apply returns cur with the patch applied. The caller is expected to have
// validated the patch first.
func (p Patch) Apply(cur CallRecord) CallRecord {
	out := cur
	if p.Status != nil {
		out.Status = *p.Status
	}
	if len(p.LocalDescription) > 0 {
		out.LocalDescription = p.LocalDescription
	}
	if len(p.RemoteDescription) > 0 {
		out.RemoteDescription = p.RemoteDescription
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		out.EndedAt = &t
	}
	return out
}

func statusPtr(s Status) *Status { return &s }

// EndPatch builds the terminal patch written when a participant hangs up.
func EndPatch(now time.Time) Patch {
	return Patch{Status: statusPtr(StatusEnded), EndedAt: &now}
}

// RejectPatch builds the terminal patch written when the callee declines
// before answering.
func RejectPatch(now time.Time) Patch {
	return Patch{Status: statusPtr(StatusRejected), EndedAt: &now}
}

// AnswerPatch builds the patch the callee writes together with its
// description.
func AnswerPatch(remoteDescription json.RawMessage) Patch {
	return Patch{Status: statusPtr(StatusAnswered), RemoteDescription: remoteDescription}
}
