package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned by results queries for a job that has not
	// reached completed state yet.
	ErrNotReady = errors.New("job not completed")
)

// Job is one submitted batch request in the job store.
//
// - InputKey/ManifestKey are relative keys in the blob store.
// - TotalUnits is set once, after the input has been fully parsed; until then
//   it is zero and CompletedUnits must also be zero.
// - CompletedUnits counts finished fetch attempts, success or failure alike.
type Job struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	TotalUnits     int        `json:"totalUnits"`
	CompletedUnits int        `json:"completedUnits"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	InputKey       string     `json:"inputKey"`
	ManifestKey    string     `json:"manifestKey,omitempty"`
	Notified       bool       `json:"notified"`
	Error          string     `json:"error,omitempty"`
}

// WorkItem is one row of the input: a label plus its source image URLs.
// ResultRefs holds output URLs for the refs that succeeded, in attempt order;
// failed refs leave no entry.
type WorkItem struct {
	ID         string     `json:"id"`
	JobID      string     `json:"jobId"`
	Seq        int        `json:"sequenceNumber"`
	Label      string     `json:"label"`
	SourceRefs []string   `json:"sourceRefs"`
	ResultRefs []string   `json:"resultRefs"`
	Status     ItemStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// DeliveryLogEntry records one notification attempt. Entries are append-only.
type DeliveryLogEntry struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"timestamp"`
	JobID      string    `json:"jobId"`
	Endpoint   string    `json:"endpoint"`
	Payload    string    `json:"payload"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status      *JobStatus
	CompletedAt *time.Time
	ManifestKey *string
	Error       *string
}

// ItemPatch is used for partial work item updates.
type ItemPatch struct {
	Status     *ItemStatus
	ResultRefs []string
	Error      *string
}
