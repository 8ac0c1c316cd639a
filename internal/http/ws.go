package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/hire-requests/internal/dispatch"
	"github.com/example/hire-requests/internal/models"
)

// defaultPongWait bounds how long a silent peer is kept. Pings go out at
// nine tenths of it.
const defaultPongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// upgrade switches to a websocket and returns a context that ends when the
// peer goes away. Incoming messages are read and discarded.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, context.CancelFunc, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(4096)
	wait := s.pongWait
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wait)) })
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return conn, ctx, cancel, true
}

// keepAlive pings the session until ctx ends. A failed ping ends the stream.
func (s *Server) keepAlive(ctx context.Context, cancel context.CancelFunc, session *dispatch.Session) {
	if err := session.Heartbeat(ctx, s.pongWait*9/10); err != nil && ctx.Err() == nil {
		s.logger.Debug("ws ping failed", "error", err)
		cancel()
	}
}

// handleRequestStream sends a full listing on connect and after every
// relevant change.
func (s *Server) handleRequestStream(w http.ResponseWriter, r *http.Request, userID string) {
	opts := listOptions(r, userID)
	// reject bad filters before upgrading so the client sees the status
	if _, err := s.Engine.ListActiveOnce(r.Context(), opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer cancel()
	session, remove := s.Hub.Add(userID, conn)
	defer remove()
	go s.keepAlive(ctx, cancel, session)

	listings, err := s.Engine.ListActive(ctx, opts)
	if err != nil {
		s.logger.Warn("request stream not started", "user_id", userID, "error", err)
		return
	}
	s.pump(ctx, func() (any, bool) {
		l, ok := <-listings
		return l, ok
	}, session.Send)
}

// handleNotificationStream pushes recounted badges for the caller's role.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request, userID string) {
	role := models.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		s.writeError(w, r, &models.ValidationError{Fields: []models.FieldError{{Field: "role", Rule: "oneof"}}})
		return
	}
	conn, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer cancel()
	session, remove := s.Hub.Add(userID, conn)
	defer remove()
	go s.keepAlive(ctx, cancel, session)

	counts, err := s.Engine.WatchNotificationCounts(ctx, userID, role)
	if err != nil {
		s.logger.Warn("notification stream not started", "user_id", userID, "error", err)
		return
	}
	s.pump(ctx, func() (any, bool) {
		c, ok := <-counts
		return c, ok
	}, session.Send)
}

// pump forwards values until the source closes, a write fails or the
// peer disconnects. The source closes on its own once ctx ends.
func (s *Server) pump(ctx context.Context, next func() (any, bool), send func(any) error) {
	for {
		v, ok := next()
		if !ok || ctx.Err() != nil {
			return
		}
		if err := send(v); err != nil {
			s.logger.Debug("ws write failed", "error", err)
			return
		}
	}
}
