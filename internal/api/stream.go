package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/narrative"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// Stream message types.
const (
	MsgTurn  = "turn"
	MsgPhase = "phase"
	MsgDone  = "done"
	MsgError = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is one websocket frame pushed to stream subscribers.
type Message struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	Phase     narrative.Phase    `json:"phase,omitempty"`
	From      narrative.Phase    `json:"from,omitempty"`
	Seq       int                `json:"seq,omitempty"`
	Turn      *narrative.Turn    `json:"turn,omitempty"`
	Result    *engine.Result     `json:"result,omitempty"`
	Failure   *narrative.Failure `json:"failure,omitempty"`
}

// final reports whether no message follows m for its session.
func (m Message) final() bool {
	return m.Type == MsgDone || m.Type == MsgError
}

// Subscription receives the messages of one session.
type Subscription struct {
	send chan Message
}

// Hub fans orchestrator events out to websocket subscribers per session.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Attach wires the hub to the orchestrator's observers.
func (h *Hub) Attach(o *engine.Orchestrator) {
	o.OnTurn = func(id string, t narrative.Turn) {
		h.Publish(Message{Type: MsgTurn, SessionID: id, Turn: &t})
	}
	o.OnTransition = func(s *narrative.SessionState, from narrative.Phase) {
		h.Publish(Message{Type: MsgPhase, SessionID: s.ID, Phase: s.Phase, From: from, Seq: s.Seq})
	}
	o.OnDone = func(r engine.Result) {
		h.Publish(Message{Type: MsgDone, SessionID: r.SessionID, Phase: narrative.PhaseDone, Result: &r})
	}
	o.OnFailure = func(err *narrative.SessionError) {
		h.Publish(Message{Type: MsgError, SessionID: err.SessionID, Phase: err.Phase, Failure: err.Failure()})
	}
}

// Subscribe registers a subscriber for a session. The returned func
// unregisters it.
func (h *Hub) Subscribe(sessionID string) (*Subscription, func()) {
	sub := &Subscription{send: make(chan Message, sendBuffer)}
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], sub)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Publish delivers m to every subscriber of its session. Slow subscribers
// drop messages rather than block the orchestrator.
func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[m.SessionID] {
		select {
		case sub.send <- m:
		default:
			slog.Warn("stream subscriber queue full, dropping message", "session", m.SessionID, "type", m.Type)
		}
	}
}

// Subscribers returns the number of subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// handleStream upgrades to a websocket and pushes the session's turns and
// phase changes until it finishes or the client goes away.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")

	// Subscribe before loading so nothing committed after the load is missed.
	sub, unsubscribe := s.Hub.Subscribe(id)
	defer unsubscribe()

	st, err := s.DB.LoadSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()
	slog.Info("stream client connected", "session", id)

	// Catch-up: current phase, then the final message if already over.
	first := []Message{{Type: MsgPhase, SessionID: id, Phase: st.Phase, Seq: st.Seq}}
	switch {
	case st.Phase == narrative.PhaseDone:
		first = append(first, Message{Type: MsgDone, SessionID: id, Phase: st.Phase,
			Result: &engine.Result{SessionID: id, ProseText: st.Result, TranscriptSummary: st.Summary()}})
	case st.Failure != nil && (s.Orch == nil || !s.Orch.Running(id)):
		first = append(first, Message{Type: MsgError, SessionID: id, Phase: st.Failure.Phase, Failure: st.Failure})
	}
	for _, m := range first {
		if err := writeMessage(conn, m); err != nil || m.final() {
			return
		}
	}

	// Reader: handles pongs and notices the client closing.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case m := <-sub.send:
			if err := writeMessage(conn, m); err != nil {
				return
			}
			if m.final() {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, m.Type),
					time.Now().Add(writeWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			slog.Info("stream client disconnected", "session", id)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, m Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}
