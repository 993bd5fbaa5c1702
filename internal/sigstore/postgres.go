package sigstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zapfon/calls/internal/callrecord"
)

// notifyChannel carries the change feed for both tables. NOTIFY payloads are
// limited to 8000 bytes, so they carry only row identifiers; the listener
// re-reads the row before dispatching. Descriptions routinely exceed the
// payload limit.
const notifyChannel = "zapfon_signaling"

const pgSchema = `
CREATE TABLE IF NOT EXISTS calls (
	id                 UUID PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	caller_id          TEXT NOT NULL,
	callee_id          TEXT NOT NULL,
	mode               TEXT NOT NULL,
	status             TEXT NOT NULL,
	local_description  JSONB,
	remote_description JSONB,
	created_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS call_candidates (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	call_id    UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	sender_id  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_candidates_call_id ON call_candidates(call_id);
CREATE INDEX IF NOT EXISTS calls_callee_id ON calls(callee_id);
`

type pgNotification struct {
	Kind string `json:"kind"` // call_ins | call_upd | cand_ins
	ID   string `json:"id"`
}

// Postgres is a Store backed by a Postgres database, with LISTEN/NOTIFY as
// the change feed. All subscribers of one Postgres instance share a single
// listening connection and a single dispatch goroutine, which preserves the
// order mutations were committed in.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time

	subs   *fanout
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres connects, ensures the schema, and starts the change-feed
// listener on a dedicated connection.
func NewPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("sigstore: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sigstore: ensure schema: %w", err)
	}

	listenConn, err := pgx.Connect(ctx, url)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sigstore: listen connection: %w", err)
	}
	if _, err := listenConn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = listenConn.Close(ctx)
		pool.Close()
		return nil, fmt.Errorf("sigstore: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:   pool,
		logger: logger,
		now:    time.Now,
		subs:   newFanout(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listen(listenCtx, listenConn)
	return p, nil
}

func (p *Postgres) listen(ctx context.Context, conn *pgx.Conn) {
	defer close(p.done)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("signaling change feed lost", "err", err)
			}
			return
		}

		var note pgNotification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			p.logger.Warn("malformed change notification", "payload", n.Payload)
			continue
		}
		p.dispatch(ctx, note)
	}
}

func (p *Postgres) dispatch(ctx context.Context, note pgNotification) {
	switch note.Kind {
	case "call_ins", "call_upd":
		rec, err := p.GetCall(ctx, note.ID)
		if err != nil {
			p.logger.Warn("change feed row fetch failed", "kind", note.Kind, "id", note.ID, "err", err)
			return
		}
		if note.Kind == "call_ins" {
			p.subs.publishCallInsert(rec)
		} else {
			p.subs.publishCallUpdate(rec)
		}
	case "cand_ins":
		cand, err := p.candidateByID(ctx, note.ID)
		if err != nil {
			p.logger.Warn("change feed candidate fetch failed", "id", note.ID, "err", err)
			return
		}
		p.subs.publishCandidateInsert(cand)
	default:
		p.logger.Warn("unknown change notification kind", "kind", note.Kind)
	}
}

func notifyPayload(kind, id string) string {
	b, _ := json.Marshal(pgNotification{Kind: kind, ID: id})
	return string(b)
}

func (p *Postgres) CreateCall(ctx context.Context, rec callrecord.CallRecord) (callrecord.CallRecord, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = p.now().UTC()
	if rec.Status == "" {
		rec.Status = callrecord.StatusRinging
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO calls (id, conversation_id, caller_id, callee_id, mode, status, local_description, remote_description, created_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.ConversationID, rec.CallerID, rec.CalleeID, string(rec.Mode), string(rec.Status),
		rawOrNil(rec.LocalDescription), rawOrNil(rec.RemoteDescription), rec.CreatedAt, rec.EndedAt)
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: insert call: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, notifyPayload("call_ins", rec.ID)); err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: commit: %w", err)
	}
	return rec, nil
}

func (p *Postgres) UpdateCall(ctx context.Context, id string, patch callrecord.Patch) (callrecord.CallRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanCall(tx.QueryRow(ctx, selectCallSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return callrecord.CallRecord{}, err
	}
	if err := patch.Validate(cur); err != nil {
		return callrecord.CallRecord{}, err
	}
	next := patch.Apply(cur)

	_, err = tx.Exec(ctx,
		`UPDATE calls SET status = $2, local_description = $3, remote_description = $4, ended_at = $5 WHERE id = $1`,
		id, string(next.Status), rawOrNil(next.LocalDescription), rawOrNil(next.RemoteDescription), next.EndedAt)
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: update call: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, notifyPayload("call_upd", id)); err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: commit: %w", err)
	}
	return next, nil
}

const selectCallSQL = `SELECT id, conversation_id, caller_id, callee_id, mode, status, local_description, remote_description, created_at, ended_at FROM calls`

func (p *Postgres) GetCall(ctx context.Context, id string) (callrecord.CallRecord, error) {
	return scanCall(p.pool.QueryRow(ctx, selectCallSQL+` WHERE id = $1`, id))
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanCall(row pgRow) (callrecord.CallRecord, error) {
	var (
		rec           callrecord.CallRecord
		mode, status  string
		local, remote []byte
	)
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &rec.CalleeID, &mode, &status, &local, &remote, &rec.CreatedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return callrecord.CallRecord{}, ErrNotFound
	}
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: scan call: %w", err)
	}
	rec.Mode = callrecord.Mode(mode)
	rec.Status = callrecord.Status(status)
	rec.LocalDescription = json.RawMessage(local)
	rec.RemoteDescription = json.RawMessage(remote)
	return rec, nil
}

func (p *Postgres) SubscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) (Unsubscribe, error) {
	return p.subs.subscribeCalls(filter, onInsert, onUpdate), nil
}

func (p *Postgres) InsertCandidate(ctx context.Context, cand callrecord.CandidateRecord) (callrecord.CandidateRecord, error) {
	cand.ID = uuid.NewString()
	cand.CreatedAt = p.now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO call_candidates (id, call_id, sender_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		cand.ID, cand.CallID, cand.SenderID, []byte(cand.Payload), cand.CreatedAt)
	if err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: insert candidate: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, notifyPayload("cand_ins", cand.ID)); err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: commit: %w", err)
	}
	return cand, nil
}

func (p *Postgres) candidateByID(ctx context.Context, id string) (callrecord.CandidateRecord, error) {
	var (
		cand    callrecord.CandidateRecord
		payload []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, call_id, sender_id, payload, created_at FROM call_candidates WHERE id = $1`, id).
		Scan(&cand.ID, &cand.CallID, &cand.SenderID, &payload, &cand.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return callrecord.CandidateRecord{}, ErrNotFound
	}
	if err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: scan candidate: %w", err)
	}
	cand.Payload = json.RawMessage(payload)
	return cand, nil
}

func (p *Postgres) Candidates(ctx context.Context, callID, excludeSender string) ([]callrecord.CandidateRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, call_id, sender_id, payload, created_at FROM call_candidates
		 WHERE call_id = $1 AND ($2 = '' OR sender_id <> $2) ORDER BY seq`,
		callID, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("sigstore: query candidates: %w", err)
	}
	defer rows.Close()

	var out []callrecord.CandidateRecord
	for rows.Next() {
		var (
			cand    callrecord.CandidateRecord
			payload []byte
		)
		if err := rows.Scan(&cand.ID, &cand.CallID, &cand.SenderID, &payload, &cand.CreatedAt); err != nil {
			return nil, fmt.Errorf("sigstore: scan candidate: %w", err)
		}
		cand.Payload = json.RawMessage(payload)
		out = append(out, cand)
	}
	return out, rows.Err()
}

func (p *Postgres) SubscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) (Unsubscribe, error) {
	return p.subs.subscribeCandidates(callID, onInsert), nil
}

// Close stops the change feed and releases the pool.
func (p *Postgres) Close() {
	p.cancel()
	<-p.done
	p.pool.Close()
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
