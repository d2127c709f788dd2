package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/famulus-ai/famulus/internal/observability"
)

// Hub owns the session set: it upgrades connections, reattaches
// reconnecting clients to their sessions, drives heartbeats, reaps
// expired sessions, and fans broadcast events out to live sessions.
type Hub struct {
	runner  *Runner
	metrics *observability.Metrics
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. Start must be called before serving.
func NewHub(runner *Runner, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		runner:  runner,
		metrics: metrics,
		logger:  logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Turns spawned by sessions inherit
// ctx, so they outlive individual connections but not the server.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	go h.run()
}

// Close terminates every session and stops the heartbeat loop.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// ServeHTTP upgrades the connection and attaches it to its session. A
// session_id query parameter naming a known non-closed session resumes
// it; anything else gets a fresh session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := h.sessionFor(r.URL.Query().Get("session_id"))
	if err := s.Attach(conn); err != nil {
		h.logger.Warn("attach failed", "session_id", s.ID, "error", err)
		_ = conn.Close()
		return
	}
	h.refreshGauges()
}

// sessionFor returns the resumable session for id, or a new session
// when id is unknown, closed, or empty.
func (h *Hub) sessionFor(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id != "" {
		if s, ok := h.sessions[id]; ok && s.State() != StateClosed {
			return s
		}
	}
	s := newSession(uuid.NewString(), h, h.logger)
	h.sessions[s.ID] = s
	return s
}

// Broadcast enqueues an event on every live session. Suspended
// sessions do not accumulate broadcast traffic.
func (h *Hub) Broadcast(ev Event) {
	for _, s := range h.snapshot() {
		if s.State() == StateLive {
			s.Enqueue(ev)
		}
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// run drives heartbeats and reaps sessions that stayed suspended past
// the TTL or were closed.
func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.tick(time.Now())
		}
	}
}

func (h *Hub) tick(now time.Time) {
	for _, s := range h.snapshot() {
		s.ping()

		if since := s.staleSince(); !since.IsZero() && now.Sub(since) > suspendedTTL {
			h.logger.Info("reaping suspended session", "session_id", s.ID)
			s.Close()
		}
		if s.State() == StateClosed {
			h.mu.Lock()
			delete(h.sessions, s.ID)
			h.mu.Unlock()
		}
	}
	h.refreshGauges()
}

func (h *Hub) refreshGauges() {
	if h.metrics == nil {
		return
	}
	live, suspended := 0, 0
	for _, s := range h.snapshot() {
		switch s.State() {
		case StateLive:
			live++
		case StateSuspended:
			suspended++
		}
	}
	h.metrics.SessionsChanged(live, suspended)
}
