package sigstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/sigwire"
)

const wsWriteWait = 5 * time.Second

// WSClient is a Store that proxies every operation to a zapfon-sigrelay
// server over one WebSocket connection. Pushed change events arrive on a
// single read loop, which preserves the order the relay observed.
type WSClient struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan sigwire.Message
	watches map[uint64]watchEntry
	closed  bool

	done chan struct{}
}

type watchEntry struct {
	onCallInsert      func(callrecord.CallRecord)
	onCallUpdate      func(callrecord.CallRecord)
	onCandidateInsert func(callrecord.CandidateRecord)
}

// DialWS connects and authenticates against a relay. credential may be empty
// when the relay runs without auth.
func DialWS(ctx context.Context, url, credential string, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sigstore: dial relay: %w", err)
	}

	c := &WSClient{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan sigwire.Message),
		watches: make(map[uint64]watchEntry),
		done:    make(chan struct{}),
	}

	if credential != "" {
		// The relay expects auth before anything else; handshake before the
		// read loop starts so no other traffic interleaves.
		if err := c.write(sigwire.Message{Type: sigwire.TypeAuth, Token: credential}); err != nil {
			_ = ws.Close()
			return nil, err
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("sigstore: auth handshake: %w", err)
		}
		reply, err := sigwire.Parse(data)
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("sigstore: auth handshake: %w", err)
		}
		if reply.Type == sigwire.TypeError {
			_ = ws.Close()
			return nil, fmt.Errorf("sigstore: auth rejected: %s", reply.Code)
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.teardown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := sigwire.Parse(data)
		if err != nil {
			c.logger.Warn("malformed relay message", "err", err)
			continue
		}

		switch msg.Type {
		case sigwire.TypeResult, sigwire.TypeError:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case sigwire.TypeCallInserted, sigwire.TypeCallUpdated:
			c.mu.Lock()
			w, ok := c.watches[msg.Watch]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if msg.Type == sigwire.TypeCallInserted && w.onCallInsert != nil {
				w.onCallInsert(*msg.Call)
			}
			if msg.Type == sigwire.TypeCallUpdated && w.onCallUpdate != nil {
				w.onCallUpdate(*msg.Call)
			}
		case sigwire.TypeCandidateInserted:
			c.mu.Lock()
			w, ok := c.watches[msg.Watch]
			c.mu.Unlock()
			if ok && w.onCandidateInsert != nil {
				w.onCandidateInsert(*msg.Candidate)
			}
		default:
			c.logger.Warn("unexpected relay message type", "type", string(msg.Type))
		}
	}
}

func (c *WSClient) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan sigwire.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- sigwire.Message{Type: sigwire.TypeError, Code: sigwire.CodeInternalError, Message: "connection closed"}
	}
	close(c.done)
}

func (c *WSClient) write(msg sigwire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("sigstore: relay write: %w", err)
	}
	return nil
}

func (c *WSClient) request(ctx context.Context, msg sigwire.Message) (sigwire.Message, error) {
	ch := make(chan sigwire.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sigwire.Message{}, ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return sigwire.Message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == sigwire.TypeError {
			return sigwire.Message{}, relayError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return sigwire.Message{}, ctx.Err()
	}
}

func relayError(msg sigwire.Message) error {
	switch msg.Code {
	case sigwire.CodeNotFound:
		return ErrNotFound
	case sigwire.CodeConflict:
		return fmt.Errorf("sigstore: %w: %s", callrecord.ErrBadTransition, msg.Message)
	default:
		return fmt.Errorf("sigstore: relay error %s: %s", msg.Code, msg.Message)
	}
}

func (c *WSClient) CreateCall(ctx context.Context, rec callrecord.CallRecord) (callrecord.CallRecord, error) {
	reply, err := c.request(ctx, sigwire.Message{Type: sigwire.TypeCreateCall, Call: &rec})
	if err != nil {
		return callrecord.CallRecord{}, err
	}
	return *reply.Call, nil
}

func (c *WSClient) UpdateCall(ctx context.Context, id string, patch callrecord.Patch) (callrecord.CallRecord, error) {
	reply, err := c.request(ctx, sigwire.Message{Type: sigwire.TypeUpdateCall, CallID: id, Patch: &patch})
	if err != nil {
		return callrecord.CallRecord{}, err
	}
	return *reply.Call, nil
}

func (c *WSClient) GetCall(ctx context.Context, id string) (callrecord.CallRecord, error) {
	reply, err := c.request(ctx, sigwire.Message{Type: sigwire.TypeGetCall, CallID: id})
	if err != nil {
		return callrecord.CallRecord{}, err
	}
	return *reply.Call, nil
}

func (c *WSClient) SubscribeCalls(filter callrecord.Filter, onInsert, onUpdate func(callrecord.CallRecord)) (Unsubscribe, error) {
	watchID, err := c.watch(
		sigwire.Message{Type: sigwire.TypeWatchCalls, Filter: &filter},
		watchEntry{onCallInsert: onInsert, onCallUpdate: onUpdate},
	)
	if err != nil {
		return nil, err
	}
	return c.unwatch(watchID), nil
}

// watch issues a subscription request. The relay reuses the request ID as the
// watch ID and may push matching events before its result frame arrives, so
// the entry must be registered before the request goes out. On failure the
// entry is removed again.
func (c *WSClient) watch(msg sigwire.Message, entry watchEntry) (uint64, error) {
	ch := make(chan sigwire.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = ch
	c.watches[msg.ID] = entry
	c.mu.Unlock()

	fail := func(err error) (uint64, error) {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		delete(c.watches, msg.ID)
		c.mu.Unlock()
		return 0, err
	}

	if err := c.write(msg); err != nil {
		return fail(err)
	}
	reply := <-ch
	if reply.Type == sigwire.TypeError {
		return fail(relayError(reply))
	}
	return msg.ID, nil
}

func (c *WSClient) InsertCandidate(ctx context.Context, cand callrecord.CandidateRecord) (callrecord.CandidateRecord, error) {
	reply, err := c.request(ctx, sigwire.Message{Type: sigwire.TypeInsertCandidate, Candidate: &cand})
	if err != nil {
		return callrecord.CandidateRecord{}, err
	}
	return *reply.Candidate, nil
}

func (c *WSClient) Candidates(ctx context.Context, callID, excludeSender string) ([]callrecord.CandidateRecord, error) {
	reply, err := c.request(ctx, sigwire.Message{Type: sigwire.TypeQueryCandidates, CallID: callID, ExcludeSender: excludeSender})
	if err != nil {
		return nil, err
	}
	return reply.Candidates, nil
}

func (c *WSClient) SubscribeCandidates(callID string, onInsert func(callrecord.CandidateRecord)) (Unsubscribe, error) {
	watchID, err := c.watch(
		sigwire.Message{Type: sigwire.TypeWatchCandidates, CallID: callID},
		watchEntry{onCandidateInsert: onInsert},
	)
	if err != nil {
		return nil, err
	}
	return c.unwatch(watchID), nil
}

func (c *WSClient) unwatch(watchID uint64) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, watchID)
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				_ = c.write(sigwire.Message{Type: sigwire.TypeUnwatch, Watch: watchID})
			}
		})
	}
}

// Close terminates the connection. Pending requests fail.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.mu.Unlock()

	_ = c.ws.Close()
	<-c.done
}

var _ Store = (*WSClient)(nil)
var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
var _ Store = (*Redis)(nil)
