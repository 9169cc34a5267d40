package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/session"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Only reachable through the 0600 local socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// watchHandler streams session events as JSON frames. The first frame is the current auth
// state; afterwards every auth change, batch, sweep, fired trigger and snooze follows.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("watch upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close() //nolint:errcheck

	events := s.deps.Session.Subscribe(ctx)
	go s.watchReadPump(conn, cancel)

	auth := toAuthDTO(s.deps.Auth.State())
	if err := s.writeFrame(conn, s.watchEvent("hello", func(ev *api.WatchEvent) { ev.Auth = &auth })); err != nil {
		return
	}

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"), time.Now().Add(watchWriteWait))
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(watchWriteWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, s.frameFor(ev)); err != nil {
				s.logger.Debug("watch write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// watchReadPump drains client frames so pongs and close frames are processed.
func (s *Server) watchReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("watch client disconnected", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, ev api.WatchEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(ev)
}

func (s *Server) watchEvent(typ string, fill func(*api.WatchEvent)) api.WatchEvent {
	ev := api.WatchEvent{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.sequence.Add(1),
		Type:          typ,
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (s *Server) frameFor(ev session.Event) api.WatchEvent {
	return s.watchEvent(ev.Type, func(out *api.WatchEvent) {
		if !ev.At.IsZero() {
			out.GeneratedAt = ev.At.UTC()
		}
		if ev.Auth != nil {
			auth := toAuthDTO(*ev.Auth)
			out.Auth = &auth
		}
		if ev.Batch != nil {
			out.Batch = toBatchDTO(*ev.Batch)
		}
		out.Outcomes = toOutcomeDTOs(ev.Outcomes)
		if ev.Sweep != nil {
			sweep := toSweepDTO(*ev.Sweep)
			out.Sweep = &sweep
		}
		if ev.Fired != nil {
			out.Fired = toFiredDTO(*ev.Fired)
		}
		out.Error = toAPIError(ev.Err)
	})
}
