package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 2 * pingInterval
)

// wsHandler streams events as JSON text messages. Messages sent by the
// client are read only to notice a close.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseStreamQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub, backlog := s.subscribe(q)
		defer sub.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readPump(ctx, cancel, conn)

		var last int64
		for _, e := range backlog {
			if err := writeWS(conn, e); err != nil {
				return
			}
			last = e.Seq
		}

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case e, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				if e.Seq <= last {
					continue
				}
				if err := writeWS(conn, e); err != nil {
					return
				}
				last = e.Seq
			}
		}
	}
}

func readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.DebugContext(ctx, "websocket read error", "error", err)
			}
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
