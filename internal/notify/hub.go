// Package notify fans activity change events out to the live sessions of one
// user. Delivery is best effort: events for users without sessions are
// dropped and a session whose buffer is full misses the event.
package notify

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/metrics"
)

// Event names a change a session should re-synchronize on.
type Event string

const (
	EventActivityChanged       Event = "activity-changed"
	EventWatchLaterToggled     Event = "watch-later-toggled"
	EventSeriesProgressChanged Event = "series-progress-changed"
)

// ErrHubClosed is returned by Join after Close.
var ErrHubClosed = errors.New("notify: hub closed")

const defaultSendBuffer = 16

// Message is the frame delivered to a session.
type Message struct {
	Type Event `json:"type"`
	Data any   `json:"data,omitempty"`
}

// Session is one live connection of a user.
type Session struct {
	id     string
	userID string
	send   chan Message
}

// NewSession allocates a session with a buffered outbox.
func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan Message, buffer),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() string { return s.userID }

// Messages is closed when the session leaves the hub.
func (s *Session) Messages() <-chan Message { return s.send }

// Options configures a Hub.
type Options struct {
	// AllowedOrigins restricts WebSocket upgrades. Empty accepts any origin.
	AllowedOrigins []string
	SendBuffer     int
	Logger         zerolog.Logger
}

// Hub is the registry of sessions keyed by user id.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Session]struct{}
	closed  bool
	origins map[string]struct{}
	buffer  int
	logger  zerolog.Logger
}

// NewHub creates an empty registry.
func NewHub(opts Options) *Hub {
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if origin != "" {
			origins[origin] = struct{}{}
		}
	}
	return &Hub{
		rooms:   make(map[string]map[*Session]struct{}),
		origins: origins,
		buffer:  opts.SendBuffer,
		logger:  opts.Logger.With().Str("component", "notify").Logger(),
	}
}

// Join subscribes the session to its user's room.
func (h *Hub) Join(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	room, ok := h.rooms[s.userID]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[s.userID] = room
	}
	room[s] = struct{}{}
	metrics.NotifierSessions.Inc()
	h.logger.Debug().Str("user_id", s.userID).Str("session_id", s.id).Int("sessions", len(room)).Msg("session joined")
	return nil
}

// Leave removes the session and closes its outbox. Leaving twice is a no-op.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[s.userID]
	if !ok {
		return
	}
	if _, member := room[s]; !member {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, s.userID)
	}
	close(s.send)
	metrics.NotifierSessions.Dec()
	h.logger.Debug().Str("user_id", s.userID).Str("session_id", s.id).Msg("session left")
}

// Publish delivers the event to every session of userID without blocking and
// returns how many sessions accepted it.
func (h *Hub) Publish(userID string, event Event, payload any) int {
	msg := Message{Type: event, Data: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[userID]
	if len(room) == 0 {
		metrics.NotifierEvents.WithLabelValues(string(event), "no_subscribers").Inc()
		return 0
	}

	delivered := 0
	for s := range room {
		select {
		case s.send <- msg:
			delivered++
		default:
			metrics.NotifierEvents.WithLabelValues(string(event), "dropped").Inc()
			h.logger.Warn().Str("user_id", userID).Str("session_id", s.id).Str("event", string(event)).Msg("session buffer full, dropping event")
		}
	}
	metrics.NotifierEvents.WithLabelValues(string(event), "delivered").Add(float64(delivered))
	return delivered
}

// SessionCount reports how many sessions userID currently has.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Close removes every session and rejects further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	closed := 0
	for userID, room := range h.rooms {
		for s := range room {
			close(s.send)
			closed++
		}
		delete(h.rooms, userID)
	}
	metrics.NotifierSessions.Sub(float64(closed))
	h.logger.Info().Int("sessions_closed", closed).Msg("notify hub closed")
}
