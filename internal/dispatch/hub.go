// Package dispatch pushes live payloads to connected websocket sessions.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/hire-requests/internal/observability"
)

// ErrNoSession is returned when a user has no connected session.
var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Session is one connected client. Writes are serialized because
// websocket connections allow a single concurrent writer.
type Session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Ping writes a ping control frame under the session's write lock.
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Heartbeat pings every period until ctx ends or a ping fails. Peers
// answer with pongs, which keep the server's read deadline moving.
func (s *Session) Heartbeat(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Ping(); err != nil {
				return err
			}
		}
	}
}

// Hub holds the sessions of every connected user. A user may have more
// than one session open at a time.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]map[*Session]struct{}), logger: logger}
}

// Add registers conn for userID. The returned func unregisters it and
// closes the connection.
func (h *Hub) Add(userID string, conn Conn) (*Session, func()) {
	s := &Session{conn: conn}
	h.mu.Lock()
	set, ok := h.sessions[userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()

	var once sync.Once
	return s, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sessions[userID], s)
			if len(h.sessions[userID]) == 0 {
				delete(h.sessions, userID)
			}
			h.mu.Unlock()
			observability.WSSessions.Dec()
			_ = conn.Close()
		})
	}
}

// Push sends v to every session of userID. Sessions that fail to write
// are left for their owner to unregister.
func (h *Hub) Push(userID string, v any) error {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			h.logger.Warn("ws send failed", "user_id", userID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions reports how many sessions userID has open.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}
