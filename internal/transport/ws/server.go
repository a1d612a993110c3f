package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mylo-james/myloware/internal/bus"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// Server upgrades watcher connections and bridges the run event topic onto
// the hub.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(h *Hub) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Consume is the bus handler for the run event topic. Messages are keyed
// by run id, so the key routes the fan-out.
func (s *Server) Consume(ctx context.Context, msg bus.Message) error {
	s.hub.Broadcast(msg.Key, msg.Payload)
	return nil
}

// HandleWatch handles GET /ws/runs/:run_id: it upgrades the connection and
// streams every subsequent run event until the client goes away.
func (s *Server) HandleWatch(c echo.Context) error {
	runID := c.Param("run_id")
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade failed: %v", err)
		return err
	}

	w := newWatcher(runID, conn)
	s.hub.add(w)
	go s.writePump(w)
	go s.readPump(w)
	return nil
}

func (s *Server) writePump(w *watcher) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case data, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to notice the close.
func (s *Server) readPump(w *watcher) {
	defer func() {
		s.hub.remove(w)
		w.conn.Close()
	}()

	w.conn.SetReadLimit(4096)
	w.conn.SetReadDeadline(time.Now().Add(readTimeout))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
