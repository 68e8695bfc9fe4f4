// Package report fans training progress out to external dashboards over
// a websocket, the rate-limited-summary counterpart spec.md §4.4's
// summary schedule feeds.
//
// Grounded on niceyeti-tabular's gorilla/mux + gorilla/websocket server,
// the only pack repo with a web-serving layer.
package report

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/unixpickle/asynclearner/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out task.Report values to every connected dashboard
// websocket.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Router builds the gorilla/mux router exposing /ws for dashboard
// connections and /healthz for liveness checks.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("report: websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Publish encodes r as JSON and fans it out to every connected client,
// dropping any client whose write fails (a closed or stalled
// connection).
func (h *Hub) Publish(r task.Report) {
	payload, err := json.Marshal(r)
	if err != nil {
		h.log.WithError(err).Warn("report: marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}
