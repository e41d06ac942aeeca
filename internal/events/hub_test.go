package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/imageproc/api-go/internal/model"
)

func dialHub(t *testing.T, hub *Hub, jobID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Subscribe(jobID, conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsToJobSubscribers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "job-1")

	// The server handler subscribes after the dial returns.
	waitForSubscriber(t, hub, "job-1")

	hub.Broadcast(ProgressUpdate{
		JobID:          "job-1",
		Status:         model.JobProcessing,
		TotalUnits:     3,
		CompletedUnits: 1,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var update ProgressUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.JobID != "job-1" || update.CompletedUnits != 1 || update.TotalUnits != 3 {
		t.Fatalf("update = %+v", update)
	}
}

func TestHubIgnoresOtherJobs(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "job-1")
	waitForSubscriber(t, hub, "job-1")

	hub.Broadcast(ProgressUpdate{JobID: "job-2", Status: model.JobProcessing})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("received update for a different job")
	}
}

func TestHubDropsClosedConnections(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "job-1")
	waitForSubscriber(t, hub, "job-1")

	conn.Close()
	// Both broadcasts must survive a dead subscriber.
	hub.Broadcast(ProgressUpdate{JobID: "job-1", Status: model.JobProcessing})
	hub.Broadcast(ProgressUpdate{JobID: "job-1", Status: model.JobCompleted})
}

func waitForSubscriber(t *testing.T, hub *Hub, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.clients[jobID])
		hub.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
