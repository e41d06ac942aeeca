package events

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/imageproc/api-go/internal/model"
)

// ProgressUpdate is pushed to subscribers after every finished unit and on
// terminal job transitions.
type ProgressUpdate struct {
	JobID          string          `json:"jobId"`
	Status         model.JobStatus `json:"status"`
	TotalUnits     int             `json:"totalUnits"`
	CompletedUnits int             `json:"completedUnits"`
}

// Hub fans job progress out to websocket subscribers, keyed by job id.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*websocket.Conn]bool)}
}

func (h *Hub) Subscribe(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*websocket.Conn]bool)
	}
	h.clients[jobID][conn] = true
}

func (h *Hub) Unsubscribe(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[jobID]; ok {
		if conns[conn] {
			delete(conns, conn)
			conn.Close()
		}
		if len(conns) == 0 {
			delete(h.clients, jobID)
		}
	}
}

// Broadcast sends one update to every subscriber of the job. Connections that
// fail to write are dropped.
func (h *Hub) Broadcast(update ProgressUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("marshal progress update: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients[update.JobID] {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("drop progress subscriber for job %s: %v", update.JobID, err)
			conn.Close()
			delete(h.clients[update.JobID], conn)
		}
	}
	if len(h.clients[update.JobID]) == 0 {
		delete(h.clients, update.JobID)
	}
}
