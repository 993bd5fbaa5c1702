package callsession

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/peerlink"
)

// bindSignaling subscribes the session to its record's updates and candidate
// inserts. It must run before any description is written so no notification
// can be missed; raw store notifications become typed inbox events.
func (s *Session) bindSignaling() error {
	unsubCalls, err := s.store.SubscribeCalls(callrecord.Filter{ID: s.callID}, nil,
		func(rec callrecord.CallRecord) {
			s.inbox.Enqueue(event{kind: eventRecordUpdate, rec: rec})
		})
	if err != nil {
		return fmt.Errorf("%w: subscribe calls: %w", ErrSignaling, err)
	}
	s.unsubs = append(s.unsubs, unsubCalls)

	unsubCands, err := s.store.SubscribeCandidates(s.callID,
		func(cand callrecord.CandidateRecord) {
			s.inbox.Enqueue(event{kind: eventCandidate, cand: cand})
		})
	if err != nil {
		return fmt.Errorf("%w: subscribe candidates: %w", ErrSignaling, err)
	}
	s.unsubs = append(s.unsubs, unsubCands)
	return nil
}

// bindLink routes link callbacks: locally gathered candidates are published
// to the store, connectivity changes feed the inbox.
func (s *Session) bindLink(onRemoteTrack func(*webrtc.TrackRemote)) {
	s.link.OnLocalCandidate(s.publishLocalCandidate)
	s.link.OnConnectivityChange(func(cs peerlink.ConnState) {
		s.inbox.Enqueue(event{kind: eventConnectivity, conn: cs})
	})
	if onRemoteTrack != nil {
		s.link.OnRemoteTrack(onRemoteTrack)
	}
}

func (s *Session) publishLocalCandidate(payload json.RawMessage) {
	if s.State() == StateEnded {
		return
	}
	_, err := s.store.InsertCandidate(context.Background(), callrecord.CandidateRecord{
		CallID:   s.callID,
		SenderID: s.selfID,
		Payload:  payload,
	})
	if err != nil {
		s.logger.Warn("publish local candidate", "call_id", s.callID, "err", err)
	}
}

// drainStoredCandidates replays candidates that were inserted before this
// session subscribed, excluding its own. The live subscription may deliver
// some of the same rows again; the seen set deduplicates.
func (s *Session) drainStoredCandidates(ctx context.Context) error {
	cands, err := s.store.Candidates(ctx, s.callID, s.selfID)
	if err != nil {
		return fmt.Errorf("%w: query candidates: %w", ErrSignaling, err)
	}
	for _, cand := range cands {
		s.inbox.Enqueue(event{kind: eventCandidate, cand: cand})
	}
	return nil
}
