package sigstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zapfon/calls/internal/callrecord"
)

const (
	redisCallKeyPrefix = "zapfon:call:"
	redisCandKeyPrefix = "zapfon:cand:"

	redisChanCallInsert = "zapfon.call.ins"
	redisChanCallUpdate = "zapfon.call.upd"
	redisChanCandInsert = "zapfon.cand.ins"

	// Terminal records are kept around briefly for late readers (call
	// history is out of scope here), then expire.
	redisRecordTTL = 24 * time.Hour
)

// Redis is a Store backed by a Redis instance: records live in plain keys,
// candidates in lists, and the change feed rides Redis pub/sub. A single
// receive goroutine dispatches events in the order Redis delivered them.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time

	subs   *fanout
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sigstore: ping redis: %w", err)
	}

	r := &Redis{
		client: client,
		logger: logger,
		now:    time.Now,
		subs:   newFanout(),
		done:   make(chan struct{}),
	}
	r.pubsub = client.Subscribe(ctx, redisChanCallInsert, redisChanCallUpdate, redisChanCandInsert)
	go r.receive()
	return r, nil
}

func (r *Redis) receive() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		switch msg.Channel {
		case redisChanCallInsert, redisChanCallUpdate:
			var rec callrecord.CallRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				r.logger.Warn("malformed call event", "channel", msg.Channel, "err", err)
				continue
			}
			if msg.Channel == redisChanCallInsert {
				r.subs.publishCallInsert(rec)
			} else {
				r.subs.publishCallUpdate(rec)
			}
		case redisChanCandInsert:
			var cand callrecord.CandidateRecord
			if err := json.Unmarshal([]byte(msg.Payload), &cand); err != nil {
				r.logger.Warn("malformed candidate event", "err", err)
				continue
			}
			r.subs.publishCandidateInsert(cand)
		}
	}
}

func (r *Redis) CreateCall(ctx context.Context, rec callrecord.CallRecord) (callrecord.CallRecord, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = r.now().UTC()
	if rec.Status == "" {
		rec.Status = callrecord.StatusRinging
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: marshal call: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisCallKeyPrefix+rec.ID, raw, redisRecordTTL)
		pipe.Publish(ctx, redisChanCallInsert, raw)
		return nil
	})
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: create call: %w", err)
	}
	return rec, nil
}

func (r *Redis) UpdateCall(ctx context.Context, id string, patch callrecord.Patch) (callrecord.CallRecord, error) {
	key := redisCallKeyPrefix + id

	var next callrecord.CallRecord
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var cur callrecord.CallRecord
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("unmarshal call: %w", err)
		}
		if err := patch.Validate(cur); err != nil {
			return err
		}
		next = patch.Apply(cur)

		out, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redisRecordTTL)
			pipe.Publish(ctx, redisChanCallUpdate, out)
			return nil
		})
		return err
	}

	// Optimistic concurrency: retry on WATCH conflicts with the remote
	// participant's concurrent write.
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return callrecord.CallRecord{}, err
	}
	return callrecord.CallRecord{}, fmt.Errorf("sigstore: update call %s: too many conflicts", id)
}

func (r *Redis) GetCall(ctx context.Context, id string) (callrecord.CallRecord, error) {
	raw, err := r.client.Get(ctx, redisCallKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return callrecord.CallRecord{}, ErrNotFound
	}
	if err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: get call: %w", err)
	}
	var rec callrecord.CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return callrecord.CallRecord{}, fmt.Errorf("sigstore: unmarshal call: %w", err)
	}
	return rec, nil
}

func (r *Redis) SubscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) (Unsubscribe, error) {
	return r.subs.subscribeCalls(filter, onInsert, onUpdate), nil
}

func (r *Redis) InsertCandidate(ctx context.Context, cand callrecord.CandidateRecord) (callrecord.CandidateRecord, error) {
	cand.ID = uuid.NewString()
	cand.CreatedAt = r.now().UTC()

	if _, err := r.GetCall(ctx, cand.CallID); err != nil {
		return callrecord.CandidateRecord{}, err
	}

	raw, err := json.Marshal(cand)
	if err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: marshal candidate: %w", err)
	}

	key := redisCandKeyPrefix + cand.CallID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, redisRecordTTL)
		pipe.Publish(ctx, redisChanCandInsert, raw)
		return nil
	})
	if err != nil {
		return callrecord.CandidateRecord{}, fmt.Errorf("sigstore: insert candidate: %w", err)
	}
	return cand, nil
}

func (r *Redis) Candidates(ctx context.Context, callID, excludeSender string) ([]callrecord.CandidateRecord, error) {
	raws, err := r.client.LRange(ctx, redisCandKeyPrefix+callID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sigstore: query candidates: %w", err)
	}

	var out []callrecord.CandidateRecord
	for _, raw := range raws {
		var cand callrecord.CandidateRecord
		if err := json.Unmarshal([]byte(raw), &cand); err != nil {
			return nil, fmt.Errorf("sigstore: unmarshal candidate: %w", err)
		}
		if excludeSender != "" && cand.SenderID == excludeSender {
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

func (r *Redis) SubscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) (Unsubscribe, error) {
	return r.subs.subscribeCandidates(callID, onInsert), nil
}

// Close stops the change feed and releases the client.
func (r *Redis) Close() {
	_ = r.pubsub.Close()
	<-r.done
	_ = r.client.Close()
}
