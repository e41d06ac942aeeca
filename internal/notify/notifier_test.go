package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/imageproc/api-go/internal/model"
)

type fakeRecorder struct {
	notified []string
	entries  []model.DeliveryLogEntry
}

func (r *fakeRecorder) MarkNotified(_ context.Context, jobID string) error {
	r.notified = append(r.notified, jobID)
	return nil
}

func (r *fakeRecorder) AppendDelivery(_ context.Context, entry model.DeliveryLogEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func testPayload() Payload {
	now := time.Now().UTC()
	return Payload{
		JobID:          "job-1",
		Status:         model.JobCompleted,
		TotalUnits:     3,
		CompletedUnits: 3,
		CompletedAt:    &now,
		Items: []ItemSummary{
			{SequenceNumber: 1, Label: "Widget", InputCount: 2, OutputCount: 1},
			{SequenceNumber: 2, Label: "Gadget", InputCount: 1, OutputCount: 1},
		},
		ManifestURL: "http://localhost/processed/output-job-1.csv",
	}
}

func TestDeliverSuccessMarksNotified(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	n := &Notifier{Endpoint: srv.URL, Recorder: rec}
	n.Deliver(context.Background(), testPayload())

	if len(rec.notified) != 1 || rec.notified[0] != "job-1" {
		t.Fatalf("notified = %v", rec.notified)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.StatusCode != http.StatusOK || entry.Error != "" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Endpoint != srv.URL || entry.JobID != "job-1" {
		t.Fatalf("entry metadata = %+v", entry)
	}
	if received.JobID != "job-1" || received.TotalUnits != 3 || len(received.Items) != 2 {
		t.Fatalf("received = %+v", received)
	}
}

func TestDeliverNon2xxLogsWithoutMarking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	n := &Notifier{Endpoint: srv.URL, Recorder: rec}
	n.Deliver(context.Background(), testPayload())

	if len(rec.notified) != 0 {
		t.Fatalf("notified = %v, want none", rec.notified)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(rec.entries))
	}
	if rec.entries[0].StatusCode != http.StatusBadGateway || rec.entries[0].Error == "" {
		t.Fatalf("entry = %+v", rec.entries[0])
	}
}

func TestDeliverNetworkErrorLogsWithoutMarking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // endpoint is unreachable

	rec := &fakeRecorder{}
	n := &Notifier{Endpoint: srv.URL, Recorder: rec}
	n.Deliver(context.Background(), testPayload())

	if len(rec.notified) != 0 {
		t.Fatalf("notified = %v, want none", rec.notified)
	}
	if len(rec.entries) != 1 || rec.entries[0].Error == "" {
		t.Fatalf("entries = %+v", rec.entries)
	}
	if rec.entries[0].StatusCode != 0 {
		t.Fatalf("status code = %d, want 0", rec.entries[0].StatusCode)
	}
}

func TestDeliverWithoutEndpointIsNoOp(t *testing.T) {
	rec := &fakeRecorder{}
	n := &Notifier{Recorder: rec}
	n.Deliver(context.Background(), testPayload())

	if len(rec.notified) != 0 || len(rec.entries) != 0 {
		t.Fatalf("no-op recorded something: %+v %+v", rec.notified, rec.entries)
	}
}
