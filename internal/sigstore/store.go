// Package sigstore abstracts the durable, subscribable store that relays
// call records and trickled candidates between the two participants.
//
// Any durable pub/sub backend can serve: the package ships an in-memory
// store, a Postgres store using LISTEN/NOTIFY as its change feed, a Redis
// store using pub/sub, and a WebSocket client that speaks to a sigrelay
// server.
package sigstore

import (
	"context"
	"errors"

	"github.com/zapfon/calls/internal/callrecord"
)

var (
	ErrNotFound = errors.New("sigstore: call not found")
	ErrClosed   = errors.New("sigstore: store closed")
)

// Unsubscribe tears down one subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the signaling record store contract.
//
// Subscription callbacks are invoked sequentially per subscription, in the
// order the store observed the mutations. Callbacks must not call back into
// the Store synchronously; hand work to another goroutine instead.
type Store interface {
	// CreateCall persists a new ringing call record, assigning ID and
	// CreatedAt, and returns the stored record.
	CreateCall(ctx context.Context, rec callrecord.CallRecord) (callrecord.CallRecord, error)

	// UpdateCall applies a partial update. It returns ErrNotFound for an
	// unknown id and the callrecord validation error for an illegal write.
	UpdateCall(ctx context.Context, id string, patch callrecord.Patch) (callrecord.CallRecord, error)

	GetCall(ctx context.Context, id string) (callrecord.CallRecord, error)

	// SubscribeCalls registers callbacks for record inserts and updates
	// matching the filter. Either callback may be nil.
	SubscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) (Unsubscribe, error)

	// InsertCandidate appends a candidate row, assigning ID and CreatedAt.
	InsertCandidate(ctx context.Context, cand callrecord.CandidateRecord) (callrecord.CandidateRecord, error)

	// Candidates returns the stored candidates for a call in insertion
	// order, excluding rows authored by excludeSender when non-empty.
	Candidates(ctx context.Context, callID, excludeSender string) ([]callrecord.CandidateRecord, error)

	// SubscribeCandidates registers a callback for candidate inserts scoped
	// to one call.
	SubscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) (Unsubscribe, error)
}
