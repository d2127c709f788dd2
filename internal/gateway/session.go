package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// outboundQueueCap bounds the per-session event queue. On overflow
	// the oldest event is dropped.
	outboundQueueCap = 100

	// pingInterval is how often live sessions are pinged.
	pingInterval = 30 * time.Second

	// maxMissedPings is how many unanswered pings suspend a session.
	maxMissedPings = 3

	// suspendedTTL is how long a suspended session keeps its queue
	// while waiting for reconnection.
	suspendedTTL = 10 * time.Minute

	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second

	// readWait matches the ping horizon: a connection that sends
	// nothing for the whole missed-ping window is dead.
	readWait = pingInterval * (maxMissedPings + 1)
)

// State is a session's lifecycle position.
type State string

const (
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateSuspended  State = "suspended"
	StateClosed     State = "closed"
)

// queuedEvent pairs an event with a sequence number so the writer can
// tell whether the head it delivered is the head it popped.
type queuedEvent struct {
	seq int64
	ev  Event
}

// Session is one client's connection identity: the live websocket when
// attached, the outbound queue that survives channel loss, and the
// per-session turn state. A client that reconnects with its session_id
// resumes the same Session and receives the queued events first, each
// tagged queued=true.
type Session struct {
	// ID is the reconnection identity, announced via session_info.
	ID string

	hub    *Hub
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         int // bumped on attach and suspend; stale writers exit
	seq         int64
	pending     []queuedEvent
	pingDue     bool
	missedPings int
	idleSince   time.Time
	wake        chan struct{}

	turnMu     sync.Mutex // serializes turns on this session
	convID     string
	forceModel string
	cancelTurn context.CancelFunc
}

func newSession(id string, hub *Hub, logger *slog.Logger) *Session {
	return &Session{
		ID:     id,
		hub:    hub,
		logger: logger.With("component", "session", "session_id", id),
		state:  StateConnecting,
		wake:   make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enqueue appends an event to the outbound queue. The queue is bounded;
// at capacity the oldest event is dropped. Events enqueued while the
// session is suspended are held for the next attachment. Closed
// sessions drop everything.
func (s *Session) Enqueue(ev Event) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.pending = append(s.pending, queuedEvent{seq: s.seq, ev: ev})
	if len(s.pending) > outboundQueueCap {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.logger.Debug("outbound queue full, dropped oldest",
			"dropped_type", dropped.ev.Type)
		if s.hub.metrics != nil {
			s.hub.metrics.EventDropped("overflow")
		}
	}
	s.mu.Unlock()

	if s.hub.metrics != nil {
		s.hub.metrics.EventSent(string(ev.Type))
	}
	s.signal()
}

// signal wakes a writer blocked on an empty queue. Never blocks, so it
// is safe with or without s.mu held.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Attach binds a connection to the session and moves it live. Pending
// events are marked queued and drained first, in order, followed by a
// fresh session_info. Attaching over a live connection replaces it.
func (s *Session) Attach(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	if s.state == StateLive {
		s.suspendLocked("replaced by new connection")
	}
	reconnect := s.state == StateSuspended
	for i := range s.pending {
		s.pending[i].ev.Queued = true
	}
	s.state = StateLive
	s.conn = conn
	s.gen++
	gen := s.gen
	s.missedPings = 0
	s.pingDue = false
	s.mu.Unlock()

	s.logger.Info("session attached", "reconnect", reconnect)
	s.Enqueue(Event{Type: EventSessionInfo, SessionID: s.ID})

	go s.writeLoop(conn, gen)
	go s.readLoop(conn)
	return nil
}

// suspendLocked moves a live session to suspended, closing the
// connection and retiring its writer. The queue is kept. Callers hold
// s.mu.
func (s *Session) suspendLocked(reason string) {
	if s.state != StateLive {
		return
	}
	s.state = StateSuspended
	s.gen++
	s.idleSince = time.Now()
	s.pingDue = false
	s.missedPings = 0
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.logger.Info("session suspended", "reason", reason, "pending", len(s.pending))
	s.signal()
}

func (s *Session) suspendConn(conn *websocket.Conn, reason string) {
	s.mu.Lock()
	if s.conn == conn {
		s.suspendLocked(reason)
	}
	s.mu.Unlock()
}

// Close terminates the session. The queue is discarded and any running
// turn is cancelled. Terminal; a closed session never reattaches.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.gen++
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.pending = nil
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.signal()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("session closed")
}

// staleSince reports when a suspended session became idle. The zero
// time means the session is not reapable.
func (s *Session) staleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended {
		return time.Time{}
	}
	return s.idleSince
}

// writeLoop drains the queue onto conn until the generation moves on.
// It is the only writer for its connection; pings ride the same loop
// via the pingDue flag so they never land in the queue.
func (s *Session) writeLoop(conn *websocket.Conn, gen int) {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.pingDue {
			s.pingDue = false
			s.mu.Unlock()
			if !s.deliver(conn, gen, queuedEvent{ev: Event{Type: EventPing}}, false) {
				return
			}
			continue
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.hub.ctx.Done():
				return
			}
			continue
		}
		head := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if !s.deliver(conn, gen, head, true) {
			return
		}
	}
}

// deliver writes one event. On failure a queued event is pushed back to
// the head for the next attachment and the session suspends. Returns
// false when the writer should exit.
func (s *Session) deliver(conn *websocket.Conn, gen int, qe queuedEvent, requeue bool) bool {
	data, err := json.Marshal(qe.ev)
	if err != nil {
		s.logger.Error("event marshal failed", "type", qe.ev.Type, "error", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.mu.Lock()
		if requeue && s.gen == gen {
			s.pending = append([]queuedEvent{qe}, s.pending...)
		}
		if s.gen == gen {
			s.suspendLocked("write failed")
		}
		s.mu.Unlock()
		return false
	}
	return true
}

// ping schedules a heartbeat on a live session, suspending it once the
// missed-ping window is exhausted.
func (s *Session) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return
	}
	if s.missedPings >= maxMissedPings {
		s.suspendLocked("missed pings")
		return
	}
	s.missedPings++
	s.pingDue = true
	s.signal()
}

func (s *Session) pongReceived() {
	s.mu.Lock()
	s.missedPings = 0
	s.mu.Unlock()
}

// readLoop parses inbound messages until the connection drops, which
// suspends the session rather than closing it.
func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.suspendConn(conn, "read failed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		s.handleInbound(data)
	}
}

// handleInbound dispatches one client message. Malformed frames earn a
// protocol error event and the session stays live.
func (s *Session) handleInbound(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.protocolError("malformed message: " + err.Error())
		return
	}

	switch msg.Type {
	case msgText:
		if strings.TrimSpace(msg.Text) == "" {
			s.protocolError("text message requires non-empty text")
			return
		}
		go s.hub.runner.RunTurn(s.hub.ctx, s, msg.Text, msg.ConvID)
	case msgAbort:
		s.abortTurn()
	case msgSetModel:
		s.hub.runner.SetModel(s, msg.Model)
	case msgSetConversation:
		s.hub.runner.SetConversation(s.hub.ctx, s, msg.ConvID)
	case msgPong:
		s.pongReceived()
	default:
		s.protocolError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Session) protocolError(message string) {
	s.logger.Debug("protocol error", "message", message)
	if s.hub.metrics != nil {
		s.hub.metrics.RecordError("gateway", "protocol")
	}
	s.Enqueue(Event{Type: EventError, Category: categoryProtocol, Message: message})
}

// Turn state accessors. The runner owns the semantics; the session
// just carries the values between messages.

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.convID = id
	s.mu.Unlock()
}

func (s *Session) ForceModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceModel
}

func (s *Session) setForceModel(name string) {
	s.mu.Lock()
	s.forceModel = name
	s.mu.Unlock()
}

// setCancelTurn registers the running turn's cancel function so an
// abort message can reach it.
func (s *Session) setCancelTurn(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
}

// abortTurn cancels the running turn, if any. Idempotent; aborting an
// idle session is a no-op.
func (s *Session) abortTurn() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("turn aborted by client")
		cancel()
	}
}
