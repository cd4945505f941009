// README: In-process websocket session registry with broadcast and per-user delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"roadassist/internal/types"
)

const sessionBuffer = 32

type Session struct {
	ID     string
	UserID types.ID
	send   chan []byte
}

// Messages yields serialized events for this session. It is closed when the
// session is unregistered.
func (s *Session) Messages() <-chan []byte { return s.send }

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[types.ID]map[string]*Session
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[types.ID]map[string]*Session),
		log:      log,
	}
}

func (h *Hub) Register(userID types.ID) *Session {
	s := &Session{ID: uuid.NewString(), UserID: userID, send: make(chan []byte, sessionBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Session)
	}
	h.byUser[userID][s.ID] = s
	return s
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	if m := h.byUser[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	close(s.send)
}

// SessionCount reports the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	h.deliver(ev.Audience, ev.UserID, data)
	return nil
}

// deliver sends without blocking. Sessions whose buffer is full are dropped;
// the client re-fetches state on reconnect.
func (h *Hub) deliver(aud Audience, userID types.ID, data []byte) {
	var slow []*Session

	h.mu.RLock()
	var targets map[string]*Session
	switch aud {
	case AudienceBroadcast:
		targets = h.sessions
	case AudienceUser:
		targets = h.byUser[userID]
	}
	for _, s := range targets {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.Warn("dropping slow websocket session", "session_id", s.ID, "user_id", s.UserID)
		h.Unregister(s)
	}
}
