package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/imageproc/api-go/internal/model"
)

// SQLite is the durable record store for jobs, work items and the
// notification delivery log.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite supports a single writer; one connection avoids
	// SQLITE_BUSY when the worker pool updates concurrently.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLite{db: db}, nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  total_units INTEGER NOT NULL DEFAULT 0,
  completed_units INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  completed_at INTEGER,
  input_key TEXT NOT NULL,
  manifest_key TEXT,
  notified INTEGER NOT NULL DEFAULT 0,
  error_message TEXT
);`, `
CREATE TABLE IF NOT EXISTS work_items (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  label TEXT NOT NULL,
  source_refs TEXT NOT NULL,
  result_refs TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL,
  error_message TEXT
);`, `
CREATE INDEX IF NOT EXISTS work_items_job_seq ON work_items (job_id, seq);`, `
CREATE TABLE IF NOT EXISTS delivery_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  job_id TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  payload TEXT NOT NULL,
  status_code INTEGER,
  error_message TEXT
);`,
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, total_units, completed_units, created_at, input_key, notified)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		job.TotalUnits,
		job.CompletedUnits,
		job.CreatedAt.UnixMilli(),
		job.InputKey,
		boolToInt(job.Notified),
	)
	return err
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, total_units, completed_units, created_at, completed_at, input_key, manifest_key, notified, error_message
       FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET status = COALESCE(?, status),
             completed_at = COALESCE(?, completed_at),
             manifest_key = COALESCE(?, manifest_key),
             error_message = COALESCE(?, error_message)
         WHERE id = ?`,
		nullableStatus(patch.Status),
		nullableTime(patch.CompletedAt),
		nullableString(patch.ManifestKey),
		nullableString(patch.Error),
		id,
	)
	return err
}

// SetTotalUnits records the unit count exactly once, after parsing.
func (s *SQLite) SetTotalUnits(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET total_units = ? WHERE id = ? AND total_units = 0`, total, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("total units already set for job %s", id)
	}
	return nil
}

// IncrementCompleted adds one finished unit. The increment happens inside the
// database, so concurrent workers never lose an update.
func (s *SQLite) IncrementCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET completed_units = completed_units + 1 WHERE id = ?`, id)
	return err
}

// MarkNotified flips the notified flag. Idempotent: repeated calls leave the
// flag true.
func (s *SQLite) MarkNotified(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET notified = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLite) CreateItem(ctx context.Context, item model.WorkItem) error {
	sourceJSON, err := json.Marshal(item.SourceRefs)
	if err != nil {
		return err
	}
	resultJSON, err := json.Marshal(emptyIfNil(item.ResultRefs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items (id, job_id, seq, label, source_refs, result_refs, status)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.JobID,
		item.Seq,
		item.Label,
		string(sourceJSON),
		string(resultJSON),
		string(item.Status),
	)
	return err
}

func (s *SQLite) UpdateItem(ctx context.Context, id string, patch model.ItemPatch) error {
	var resultJSON any
	if patch.ResultRefs != nil {
		raw, err := json.Marshal(patch.ResultRefs)
		if err != nil {
			return err
		}
		resultJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE work_items
         SET status = COALESCE(?, status),
             result_refs = COALESCE(?, result_refs),
             error_message = COALESCE(?, error_message)
         WHERE id = ?`,
		nullableItemStatus(patch.Status),
		resultJSON,
		nullableString(patch.Error),
		id,
	)
	return err
}

// ListItems returns a job's work items ordered by input position.
func (s *SQLite) ListItems(ctx context.Context, jobID string) ([]model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, label, source_refs, result_refs, status, error_message
       FROM work_items WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkItem
	for rows.Next() {
		var (
			item                   model.WorkItem
			status                 string
			sourceJSON, resultJSON string
			errorMsg               sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.Seq, &item.Label, &sourceJSON, &resultJSON, &status, &errorMsg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sourceJSON), &item.SourceRefs); err != nil {
			return nil, fmt.Errorf("decode source refs for item %s: %w", item.ID, err)
		}
		if err := json.Unmarshal([]byte(resultJSON), &item.ResultRefs); err != nil {
			return nil, fmt.Errorf("decode result refs for item %s: %w", item.ID, err)
		}
		item.Status = model.ItemStatus(status)
		if errorMsg.Valid {
			item.Error = errorMsg.String
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AppendDelivery records one notification attempt. The log is append-only;
// nothing in the store ever updates or deletes rows from it.
func (s *SQLite) AppendDelivery(ctx context.Context, entry model.DeliveryLogEntry) error {
	var statusCode any
	if entry.StatusCode != 0 {
		statusCode = entry.StatusCode
	}
	var errMsg any
	if entry.Error != "" {
		errMsg = entry.Error
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (created_at, job_id, endpoint, payload, status_code, error_message)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.CreatedAt.UnixMilli(),
		entry.JobID,
		entry.Endpoint,
		entry.Payload,
		statusCode,
		errMsg,
	)
	return err
}

// ListDeliveries returns delivery log entries in insertion order.
func (s *SQLite) ListDeliveries(ctx context.Context, limit int) ([]model.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, job_id, endpoint, payload, status_code, error_message
       FROM delivery_log ORDER BY id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryLogEntry
	for rows.Next() {
		var (
			entry      model.DeliveryLogEntry
			createdMs  int64
			statusCode sql.NullInt64
			errorMsg   sql.NullString
		)
		if err := rows.Scan(&entry.ID, &createdMs, &entry.JobID, &entry.Endpoint, &entry.Payload, &statusCode, &errorMsg); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.UnixMilli(createdMs)
		if statusCode.Valid {
			entry.StatusCode = int(statusCode.Int64)
		}
		if errorMsg.Valid {
			entry.Error = errorMsg.String
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job         model.Job
		status      string
		createdMs   int64
		completedMs sql.NullInt64
		manifestKey sql.NullString
		notified    int
		errorMsg    sql.NullString
	)
	if err := row.Scan(&job.ID, &status, &job.TotalUnits, &job.CompletedUnits, &createdMs, &completedMs, &job.InputKey, &manifestKey, &notified, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job.Status = model.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdMs)
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64)
		job.CompletedAt = &t
	}
	if manifestKey.Valid {
		job.ManifestKey = manifestKey.String
	}
	job.Notified = notified != 0
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStatus(v *model.JobStatus) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableItemStatus(v *model.ItemStatus) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func emptyIfNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
