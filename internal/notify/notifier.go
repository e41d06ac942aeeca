package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/example/imageproc/api-go/internal/model"
)

// Payload is the POST body sent to the configured webhook endpoint when a job
// reaches a terminal state.
type Payload struct {
	JobID          string          `json:"jobId"`
	Status         model.JobStatus `json:"status"`
	TotalUnits     int             `json:"totalUnits"`
	CompletedUnits int             `json:"completedUnits"`
	CompletedAt    *time.Time      `json:"completedAt"`
	Items          []ItemSummary   `json:"items"`
	ManifestURL    string          `json:"manifestUrl"`
}

// ItemSummary condenses one work item for the notification payload.
type ItemSummary struct {
	SequenceNumber int    `json:"sequenceNumber"`
	Label          string `json:"label"`
	InputCount     int    `json:"inputCount"`
	OutputCount    int    `json:"outputCount"`
}

// Recorder is the slice of the record store the notifier needs: flipping the
// notified flag and appending to the delivery log.
type Recorder interface {
	MarkNotified(ctx context.Context, jobID string) error
	AppendDelivery(ctx context.Context, entry model.DeliveryLogEntry) error
}

// Notifier delivers completion payloads to one external endpoint. Delivery is
// at-least-once and fire-and-forget: failures are logged to the delivery log
// and never retried or escalated.
type Notifier struct {
	Endpoint string
	HTTP     *http.Client
	Recorder Recorder
}

// Summarize builds the notification payload from a terminal job and its items.
func Summarize(job model.Job, items []model.WorkItem, manifestURL string) Payload {
	summaries := make([]ItemSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, ItemSummary{
			SequenceNumber: item.Seq,
			Label:          item.Label,
			InputCount:     len(item.SourceRefs),
			OutputCount:    len(item.ResultRefs),
		})
	}
	return Payload{
		JobID:          job.ID,
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		CompletedAt:    job.CompletedAt,
		Items:          summaries,
		ManifestURL:    manifestURL,
	}
}

// Deliver posts the payload. Without a configured endpoint it is a silent
// no-op. A 2xx response marks the job notified; every actual attempt leaves a
// delivery log entry.
func (n *Notifier) Deliver(ctx context.Context, payload Payload) {
	if n.Endpoint == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify job %s: marshal payload: %v", payload.JobID, err)
		return
	}

	entry := model.DeliveryLogEntry{
		CreatedAt: time.Now().UTC(),
		JobID:     payload.JobID,
		Endpoint:  n.Endpoint,
		Payload:   string(body),
	}

	resp, err := n.post(ctx, body)
	if err != nil {
		log.Printf("notify job %s: %v", payload.JobID, err)
		entry.Error = err.Error()
		n.append(ctx, entry)
		return
	}
	defer resp.Body.Close()

	entry.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := n.Recorder.MarkNotified(ctx, payload.JobID); err != nil {
			log.Printf("notify job %s: mark notified: %v", payload.JobID, err)
		}
	} else {
		log.Printf("notify job %s: endpoint returned %d", payload.JobID, resp.StatusCode)
		entry.Error = http.StatusText(resp.StatusCode)
	}
	n.append(ctx, entry)
}

func (n *Notifier) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func (n *Notifier) append(ctx context.Context, entry model.DeliveryLogEntry) {
	if err := n.Recorder.AppendDelivery(ctx, entry); err != nil {
		log.Printf("notify job %s: append delivery log: %v", entry.JobID, err)
	}
}
