// Package ws streams run events to WebSocket watchers. Each connection
// watches exactly one run; artifacts published on the run event topic are
// fanned out to every watcher of that run.
package ws

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// watcher is one WebSocket connection following a run.
type watcher struct {
	id    string
	runID string
	conn  *websocket.Conn
	send  chan []byte
}

// Hub indexes watchers by run id.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[string]*watcher
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[string]*watcher)}
}

func (h *Hub) add(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[w.runID] == nil {
		h.watchers[w.runID] = make(map[string]*watcher)
	}
	h.watchers[w.runID][w.id] = w
}

func (h *Hub) remove(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.watchers[w.runID]; set != nil {
		if _, ok := set[w.id]; ok {
			delete(set, w.id)
			close(w.send)
			if len(set) == 0 {
				delete(h.watchers, w.runID)
			}
		}
	}
}

// Broadcast fans data out to every watcher of the run. A watcher whose
// buffer is full is dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(runID string, data []byte) {
	h.mu.RLock()
	var slow []*watcher
	for _, w := range h.watchers[runID] {
		select {
		case w.send <- data:
		default:
			slow = append(slow, w)
		}
	}
	h.mu.RUnlock()

	for _, w := range slow {
		log.Printf("WARN: watcher %s of run %s too slow, dropping", w.id, runID)
		h.remove(w)
		w.conn.Close()
	}
}

// WatcherCount returns how many connections follow the run.
func (h *Hub) WatcherCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[runID])
}

func newWatcher(runID string, conn *websocket.Conn) *watcher {
	return &watcher{
		id:    uuid.New().String()[:8],
		runID: runID,
		conn:  conn,
		send:  make(chan []byte, 64),
	}
}
