package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/imageproc/api-go/internal/blob"
	"github.com/example/imageproc/api-go/internal/events"
	"github.com/example/imageproc/api-go/internal/model"
	"github.com/example/imageproc/api-go/internal/notify"
	"github.com/example/imageproc/api-go/internal/parser"
	"github.com/example/imageproc/api-go/internal/store"
)

// Fetcher retrieves raw bytes from a source reference.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Transformer re-encodes raw image bytes.
type Transformer interface {
	Transform(raw []byte) ([]byte, error)
}

// Broadcaster pushes progress updates to subscribers.
type Broadcaster interface {
	Broadcast(update events.ProgressUpdate)
}

// Engine owns the job and work item lifecycle: it drives parsing, the
// per-reference fetch/transform/persist pipeline, progress aggregation,
// completion detection, manifest generation and the completion notification.
type Engine struct {
	Store       *store.SQLite
	Blobs       blob.LocalFS
	Fetcher     Fetcher
	Transformer Transformer
	Notifier    *notify.Notifier
	Events      Broadcaster
	Workers     int
	BaseURL     string
}

// StatusSummary is the answer to a status query. Progress is only present
// once the total unit count is known.
type StatusSummary struct {
	Status         model.JobStatus `json:"status"`
	TotalUnits     int             `json:"totalUnits"`
	CompletedUnits int             `json:"completedUnits"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Notified       bool            `json:"notified"`
	Progress       *float64        `json:"progress,omitempty"`
}

// Results is the answer to a results query for a completed job.
type Results struct {
	Status      model.JobStatus  `json:"status"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Items       []model.WorkItem `json:"items"`
	ManifestURL string           `json:"manifestUrl"`
	Notified    bool             `json:"notified"`
}

// Submit stores the uploaded input and creates a pending job. Processing does
// not start here; the caller launches Run detached.
func (e *Engine) Submit(ctx context.Context, input io.Reader) (string, error) {
	id := uuid.NewString()
	inputKey := path.Join("uploads", id+".csv")
	if _, err := e.Blobs.Put(inputKey, input); err != nil {
		return "", fmt.Errorf("store input: %w", err)
	}

	job := model.Job{
		ID:        id,
		Status:    model.JobPending,
		CreatedAt: time.Now().UTC(),
		InputKey:  inputKey,
	}
	if err := e.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Run drives one job from pending to a terminal state. Per-reference failures
// are isolated; parse errors and job-level persistence errors fail the job.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if err := e.setStatus(ctx, jobID, model.JobProcessing); err != nil {
		return e.fail(ctx, jobID, fmt.Errorf("mark processing: %w", err))
	}

	items, totalUnits, err := e.parseInput(ctx, job)
	if err != nil {
		return e.fail(ctx, jobID, err)
	}
	if err := e.Store.SetTotalUnits(ctx, jobID, totalUnits); err != nil {
		return e.fail(ctx, jobID, fmt.Errorf("set total units: %w", err))
	}

	e.processItems(ctx, jobID, items)

	// All outstanding item work has settled; from here on the engine is the
	// only writer for this job.
	if err := e.complete(ctx, jobID); err != nil {
		return e.fail(ctx, jobID, err)
	}
	return nil
}

// parseInput streams the uploaded file, persisting one work item per row
// before reading the next. The parse is strict: a malformed row aborts the
// whole job.
func (e *Engine) parseInput(ctx context.Context, job model.Job) ([]model.WorkItem, int, error) {
	f, err := e.Blobs.Open(job.InputKey)
	if err != nil {
		return nil, 0, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	p, err := parser.NewCSV(f)
	if err != nil {
		return nil, 0, fmt.Errorf("parse input: %w", err)
	}

	var (
		items      []model.WorkItem
		totalUnits int
	)
	for {
		spec, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("parse input: %w", err)
		}

		item := model.WorkItem{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			Seq:        spec.Seq,
			Label:      spec.Label,
			SourceRefs: spec.SourceRefs,
			Status:     model.ItemPending,
		}
		if err := e.Store.CreateItem(ctx, item); err != nil {
			return nil, 0, fmt.Errorf("persist item %d: %w", spec.Seq, err)
		}
		items = append(items, item)
		totalUnits += len(spec.SourceRefs)
	}
	return items, totalUnits, nil
}

// processItems drives every work item to a terminal state across a bounded
// worker pool and returns only after all workers have settled.
func (e *Engine) processItems(ctx context.Context, jobID string, items []model.WorkItem) {
	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	if workers <= 1 {
		for _, item := range items {
			e.processItem(ctx, jobID, item)
		}
		return
	}

	work := make(chan model.WorkItem)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				e.processItem(ctx, jobID, item)
			}
		}()
	}
	for _, item := range items {
		work <- item
	}
	close(work)
	wg.Wait()
}

// processItem attempts every source reference of one item exactly once. A
// failed reference is logged and skipped; only a failed state write for the
// item itself marks the item failed.
func (e *Engine) processItem(ctx context.Context, jobID string, item model.WorkItem) {
	processing := model.ItemProcessing
	if err := e.Store.UpdateItem(ctx, item.ID, model.ItemPatch{Status: &processing}); err != nil {
		e.failItem(ctx, item.ID, fmt.Errorf("mark processing: %w", err))
		return
	}

	results := make([]string, 0, len(item.SourceRefs))
	for _, ref := range item.SourceRefs {
		key, err := e.processRef(ctx, ref)
		if err != nil {
			log.Printf("job %s item %d: skip %s: %v", jobID, item.Seq, ref, err)
		} else {
			results = append(results, e.publicURL(key))
		}

		if err := e.Store.IncrementCompleted(ctx, jobID); err != nil {
			e.failItem(ctx, item.ID, fmt.Errorf("record progress: %w", err))
			return
		}
		e.broadcast(ctx, jobID)
	}

	completed := model.ItemCompleted
	patch := model.ItemPatch{Status: &completed, ResultRefs: results}
	if err := e.Store.UpdateItem(ctx, item.ID, patch); err != nil {
		e.failItem(ctx, item.ID, fmt.Errorf("mark completed: %w", err))
	}
}

// processRef runs the fetch/transform/persist pipeline for one source
// reference and returns the blob key of the re-encoded image.
func (e *Engine) processRef(ctx context.Context, ref string) (string, error) {
	raw, err := e.Fetcher.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	encoded, err := e.Transformer.Transform(raw)
	if err != nil {
		return "", err
	}
	key := path.Join("processed", blob.UniqueName(".jpg"))
	if _, err := e.Blobs.Put(key, bytes.NewReader(encoded)); err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}
	return key, nil
}

// complete writes the manifest, marks the job completed and fires the
// notifier without blocking on it.
func (e *Engine) complete(ctx context.Context, jobID string) error {
	items, err := e.Store.ListItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	manifest, err := BuildManifest(items)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	manifestKey := path.Join("processed", fmt.Sprintf("output-%s.csv", jobID))
	if _, err := e.Blobs.Put(manifestKey, bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	now := time.Now().UTC()
	completed := model.JobCompleted
	patch := model.JobPatch{Status: &completed, CompletedAt: &now, ManifestKey: &manifestKey}
	if err := e.Store.UpdateJob(ctx, jobID, patch); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	e.broadcast(ctx, jobID)

	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	payload := notify.Summarize(job, items, e.publicURL(manifestKey))
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		e.Notifier.Deliver(nctx, payload)
	}()
	return nil
}

// Status answers a status query for one job.
func (e *Engine) Status(ctx context.Context, jobID string) (StatusSummary, error) {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return StatusSummary{}, err
	}
	summary := StatusSummary{
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
		Notified:       job.Notified,
	}
	if job.TotalUnits > 0 {
		progress := float64(job.CompletedUnits) / float64(job.TotalUnits)
		summary.Progress = &progress
	}
	return summary, nil
}

// ResultsFor answers a results query. Jobs that are not completed are
// rejected with model.ErrNotReady.
func (e *Engine) ResultsFor(ctx context.Context, jobID string) (Results, error) {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return Results{}, err
	}
	if job.Status != model.JobCompleted {
		return Results{}, model.ErrNotReady
	}
	items, err := e.Store.ListItems(ctx, jobID)
	if err != nil {
		return Results{}, err
	}
	return Results{
		Status:      job.Status,
		CompletedAt: job.CompletedAt,
		Items:       items,
		ManifestURL: e.publicURL(job.ManifestKey),
		Notified:    job.Notified,
	}, nil
}

func (e *Engine) setStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	return e.Store.UpdateJob(ctx, jobID, model.JobPatch{Status: &status})
}

// fail marks the job failed with the triggering error and returns it.
func (e *Engine) fail(ctx context.Context, jobID string, cause error) error {
	now := time.Now().UTC()
	failed := model.JobFailed
	msg := cause.Error()
	patch := model.JobPatch{Status: &failed, CompletedAt: &now, Error: &msg}
	if err := e.Store.UpdateJob(ctx, jobID, patch); err != nil {
		log.Printf("job %s: mark failed: %v", jobID, err)
	}
	e.broadcast(ctx, jobID)
	return cause
}

func (e *Engine) failItem(ctx context.Context, itemID string, cause error) {
	log.Printf("item %s: %v", itemID, cause)
	failed := model.ItemFailed
	msg := cause.Error()
	if err := e.Store.UpdateItem(ctx, itemID, model.ItemPatch{Status: &failed, Error: &msg}); err != nil {
		log.Printf("item %s: mark failed: %v", itemID, err)
	}
}

func (e *Engine) broadcast(ctx context.Context, jobID string) {
	if e.Events == nil {
		return
	}
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("job %s: load for broadcast: %v", jobID, err)
		return
	}
	e.Events.Broadcast(events.ProgressUpdate{
		JobID:          job.ID,
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
	})
}

func (e *Engine) publicURL(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + key
}
