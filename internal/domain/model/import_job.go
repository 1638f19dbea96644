// Package model defines the core data types and structures used throughout the import system.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an import job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a job's rows are currently being processed.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job aborted with a job-level error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled before finishing.
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further transition may leave this state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env/query parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// TransitionError reports an illegal state-machine transition. It is always a
// programming or operator error, never part of normal processing.
type TransitionError struct {
	From      JobStatus
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %q from status %q", e.Attempted, e.From)
}

// ImportJob represents one bulk-import attempt over one source file.
type ImportJob struct {
	ID                 string     `json:"job_id"              db:"id"`
	OriginalFilename   string     `json:"original_filename"   db:"original_filename"`
	FilePath           string     `json:"-"                   db:"file_path"`
	FileSize           int64      `json:"file_size"           db:"file_size"`
	TotalRows          int        `json:"total_rows"          db:"total_rows"`
	ProcessedRows      int        `json:"processed_rows"      db:"processed_rows"`
	SuccessfulRows     int        `json:"successful_rows"     db:"successful_rows"`
	FailedRows         int        `json:"failed_rows"         db:"failed_rows"`
	DuplicateRows      int        `json:"duplicate_rows"      db:"duplicate_rows"`
	Status             JobStatus  `json:"status"              db:"status"`
	ErrorMessage       *string    `json:"error_message,omitempty" db:"error_message"`
	ProgressPercentage float64    `json:"progress_percentage" db:"progress_percentage"`
	CancelRequested    bool       `json:"cancel_requested"    db:"cancel_requested"`
	StartedAt          *time.Time `json:"started_at,omitempty"   db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time  `json:"created_at"          db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"          db:"updated_at"`
}

// JobCounters groups the per-job progress counters.
type JobCounters struct {
	Processed  int
	Successful int
	Failed     int
	Duplicate  int
}

// Total returns the sum of the outcome counters.
func (c JobCounters) Total() int {
	return c.Successful + c.Failed + c.Duplicate
}

// Counters returns the job's current counters.
func (j *ImportJob) Counters() JobCounters {
	return JobCounters{
		Processed:  j.ProcessedRows,
		Successful: j.SuccessfulRows,
		Failed:     j.FailedRows,
		Duplicate:  j.DuplicateRows,
	}
}

// Percentage computes processed/total as a percentage, 0 when total is 0.
func Percentage(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(total)*100*100) / 100
}

// Start transitions the job from pending to processing. Residual counters from
// an earlier attempt are cleared so a retried job starts from zero.
func (j *ImportJob) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return &TransitionError{From: j.Status, Attempted: "start"}
	}
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.ProcessedRows = 0
	j.SuccessfulRows = 0
	j.FailedRows = 0
	j.DuplicateRows = 0
	j.ProgressPercentage = 0
	j.ErrorMessage = nil
	return nil
}

// UpdateProgress records new counter values. Only legal while processing, and
// counters must be non-decreasing across consecutive calls.
func (j *ImportJob) UpdateProgress(c JobCounters) error {
	if j.Status != JobStatusProcessing {
		return &TransitionError{From: j.Status, Attempted: "update_progress"}
	}
	if c.Processed < j.ProcessedRows || c.Successful < j.SuccessfulRows ||
		c.Failed < j.FailedRows || c.Duplicate < j.DuplicateRows {
		return fmt.Errorf("progress counters must be non-decreasing (have processed=%d, got %d)",
			j.ProcessedRows, c.Processed)
	}
	if c.Processed > j.TotalRows {
		return fmt.Errorf("processed rows %d exceed total rows %d", c.Processed, j.TotalRows)
	}
	j.ProcessedRows = c.Processed
	j.SuccessfulRows = c.Successful
	j.FailedRows = c.Failed
	j.DuplicateRows = c.Duplicate
	j.ProgressPercentage = Percentage(c.Processed, j.TotalRows)
	return nil
}

// Complete transitions the job from processing to completed.
func (j *ImportJob) Complete(now time.Time) error {
	if j.Status != JobStatusProcessing {
		return &TransitionError{From: j.Status, Attempted: "complete"}
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.ProgressPercentage = 100
	return nil
}

// Fail transitions the job to failed from any non-terminal state.
func (j *ImportJob) Fail(message string, now time.Time) error {
	if j.Status.Terminal() {
		return &TransitionError{From: j.Status, Attempted: "fail"}
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = &message
	j.CompletedAt = &now
	return nil
}

// Cancel transitions the job to cancelled. Cancelling a finished job is
// rejected, never silently accepted.
func (j *ImportJob) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return &TransitionError{From: j.Status, Attempted: "cancel"}
	}
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return nil
}

// ResetForRetry returns a failed or cancelled job to pending with all
// counters, timestamps, and the error message cleared. Prior row and error
// history is intentionally left untouched; the re-run pipeline skips rows
// already in a terminal status.
func (j *ImportJob) ResetForRetry() error {
	if j.Status != JobStatusFailed && j.Status != JobStatusCancelled {
		return &TransitionError{From: j.Status, Attempted: "retry"}
	}
	j.Status = JobStatusPending
	j.ProcessedRows = 0
	j.SuccessfulRows = 0
	j.FailedRows = 0
	j.DuplicateRows = 0
	j.ProgressPercentage = 0
	j.ErrorMessage = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	return nil
}
