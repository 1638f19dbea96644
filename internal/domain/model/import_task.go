package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskKind represents the kind of work an import task carries.
//
///nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskKind string

// TaskStatus represents the dispatch state of an import task.
type TaskStatus string

const (
	// TaskKindFullImport runs the full pipeline for a job.
	TaskKindFullImport TaskKind = "full_import"
	// TaskKindFailedRows re-runs a job's failed and duplicate rows into a new job.
	TaskKindFailedRows TaskKind = "failed_rows"

	// TaskStatusPending indicates a task is waiting to be reserved by a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a task is leased to a worker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates a task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates a task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
)

// ErrNoTasksAvailable is returned when no tasks are available for reservation.
var ErrNoTasksAvailable = errors.New("no tasks available")

// UnmarshalText implements encoding.TextUnmarshaler for TaskKind to allow env parsing.
func (k *TaskKind) UnmarshalText(text []byte) error {
	v := TaskKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid TaskKind: %q", string(text))
	}
	*k = v
	return nil
}

// Valid returns true if the TaskKind is known.
func (k TaskKind) Valid() bool {
	return k == TaskKindFullImport || k == TaskKindFailedRows
}

// Valid returns true if the TaskStatus is known.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusPending || s == TaskStatusRunning ||
		s == TaskStatusCompleted || s == TaskStatusFailed
}

// ImportTask is one unit of work on the dispatch queue. The queue, not the
// pipeline, owns attempt counting, lease timeouts, and backoff; the pipeline
// only needs to be safely re-invocable.
type ImportTask struct {
	ID             string          `json:"id"                         db:"id"`
	JobID          string          `json:"job_id"                     db:"job_id"`
	Kind           TaskKind        `json:"kind"                       db:"kind"`
	Status         TaskStatus      `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CreateTaskRequest represents a request to enqueue a new import task.
type CreateTaskRequest struct {
	JobID       string          `json:"job_id"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate validates the CreateTaskRequest fields.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid task kind")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}
