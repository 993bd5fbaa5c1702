// Package sigrelay hosts a signaling record store behind a WebSocket
// endpoint, for clients that cannot reach the store's backend directly. It
// speaks the sigwire protocol: authenticated request/response plus pushed
// change events for watched calls and candidates.
package sigrelay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zapfon/calls/internal/callrecord"
	"github.com/zapfon/calls/internal/metrics"
	"github.com/zapfon/calls/internal/ratelimit"
	"github.com/zapfon/calls/internal/sigstore"
	"github.com/zapfon/calls/internal/sigwire"
)

const writeWait = 1 * time.Second

// Config wires together the runtime dependencies for the relay.
type Config struct {
	Store      sigstore.Store
	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// AllowedOrigins restricts browser connections. Empty allows any origin.
	AllowedOrigins []string

	// AuthTimeout bounds how long an unauthenticated connection may sit
	// before its first auth message.
	AuthTimeout time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server is the WebSocket signaling relay surface.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*relayConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 2 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[*relayConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &relayConn{
		srv:  s,
		ws:   ws,
		subs: make(map[uint64]sigstore.Unsubscribe),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.run()
}

func (s *Server) dropConn(c *relayConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close tears down every client connection. The server rejects connections
// afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*relayConn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// originAllowed applies the allowlist to a browser Origin header. Non-browser
// clients send no Origin and are always accepted; the credential check is the
// real gate.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

type relayConn struct {
	srv     *Server
	ws      *websocket.Conn
	limiter *ratelimit.TokenBucket

	// subject is the authenticated participant id, when the auth mode
	// carries one.
	subject string

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]sigstore.Unsubscribe

	closeOnce sync.Once
}

func (c *relayConn) run() {
	defer c.close()
	defer c.srv.dropConn(c)

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)

	authorized := false
	if subject, err := c.srv.cfg.Authorizer.Authorize(""); err == nil {
		authorized = true
		c.subject = subject
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !authorized && isTimeout(err) {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate-limit after reading so bytes already buffered by the OS are
		// consumed; closing with unread data can turn into an abortive close
		// that hides the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.SignalingRateLimit)
			c.fail(0, sigwire.CodeRateLimited, "rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := sigwire.Parse(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.BadMessage)
			c.fail(0, sigwire.CodeBadMessage, err.Error())
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != sigwire.TypeAuth {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail(msg.ID, sigwire.CodeUnauthorized, "authentication required")
				c.closeWith(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred := msg.APIKey
			if cred == "" {
				cred = msg.Token
			}
			subject, err := c.srv.cfg.Authorizer.Authorize(cred)
			if err != nil {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail(msg.ID, sigwire.CodeUnauthorized, "unauthorized")
				c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			c.subject = subject
			_ = c.ws.SetReadDeadline(time.Time{})
			c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID})
			continue
		}

		c.dispatch(msg)
	}
}

func (c *relayConn) dispatch(msg sigwire.Message) {
	ctx := context.Background()
	store := c.srv.cfg.Store

	switch msg.Type {
	case sigwire.TypeAuth:
		// Tolerated after authentication (e.g. client retried).
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID})

	case sigwire.TypeCreateCall:
		rec, err := store.CreateCall(ctx, *msg.Call)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Call: &rec})

	case sigwire.TypeUpdateCall:
		rec, err := store.UpdateCall(ctx, msg.CallID, *msg.Patch)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Call: &rec})

	case sigwire.TypeGetCall:
		rec, err := store.GetCall(ctx, msg.CallID)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Call: &rec})

	case sigwire.TypeInsertCandidate:
		cand, err := store.InsertCandidate(ctx, *msg.Candidate)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Candidate: &cand})

	case sigwire.TypeQueryCandidates:
		cands, err := store.Candidates(ctx, msg.CallID, msg.ExcludeSender)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Candidates: cands})

	case sigwire.TypeWatchCalls:
		watchID := msg.ID
		unsub, err := store.SubscribeCalls(*msg.Filter,
			func(rec callrecord.CallRecord) {
				c.send(sigwire.Message{Type: sigwire.TypeCallInserted, Watch: watchID, Call: &rec})
			},
			func(rec callrecord.CallRecord) {
				c.send(sigwire.Message{Type: sigwire.TypeCallUpdated, Watch: watchID, Call: &rec})
			},
		)
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.addSub(watchID, unsub)
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Watch: watchID})

	case sigwire.TypeWatchCandidates:
		watchID := msg.ID
		unsub, err := store.SubscribeCandidates(msg.CallID, func(cand callrecord.CandidateRecord) {
			c.send(sigwire.Message{Type: sigwire.TypeCandidateInserted, Watch: watchID, Candidate: &cand})
		})
		if err != nil {
			c.storeError(msg.ID, err)
			return
		}
		c.addSub(watchID, unsub)
		c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID, Watch: watchID})

	case sigwire.TypeUnwatch:
		c.removeSub(msg.Watch)
		if msg.ID != 0 {
			c.send(sigwire.Message{Type: sigwire.TypeResult, ID: msg.ID})
		}

	default:
		c.fail(msg.ID, sigwire.CodeBadMessage, "unexpected message type")
	}
}

func (c *relayConn) storeError(id uint64, err error) {
	switch {
	case errors.Is(err, sigstore.ErrNotFound):
		c.fail(id, sigwire.CodeNotFound, err.Error())
	case errors.Is(err, callrecord.ErrBadTransition),
		errors.Is(err, callrecord.ErrDescriptionSet),
		errors.Is(err, callrecord.ErrEndedAtSet):
		c.fail(id, sigwire.CodeConflict, err.Error())
	default:
		c.srv.logger.Error("store operation failed", "err", err)
		c.fail(id, sigwire.CodeInternalError, "internal error")
	}
}

func (c *relayConn) addSub(id uint64, unsub sigstore.Unsubscribe) {
	c.subsMu.Lock()
	if prev, ok := c.subs[id]; ok {
		prev()
	}
	c.subs[id] = unsub
	c.subsMu.Unlock()
}

func (c *relayConn) removeSub(id uint64) {
	c.subsMu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		unsub()
	}
}

func (c *relayConn) send(msg sigwire.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.srv.logger.Debug("relay write failed", "err", err)
	}
}

func (c *relayConn) fail(id uint64, code, message string) {
	c.send(sigwire.Message{Type: sigwire.TypeError, ID: id, Code: code, Message: message})
}

func (c *relayConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[uint64]sigstore.Unsubscribe)
		c.subsMu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
