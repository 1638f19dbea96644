package model

import "time"

// ProgressSnapshot is the fast-read-path view of a job's progress, published
// after every processed chunk. Readers must tolerate snapshots lagging the
// durable counters by up to one chunk and fall back to the database when no
// snapshot is present.
type ProgressSnapshot struct {
	JobID              string     `json:"job_id"`
	Status             JobStatus  `json:"status"`
	TotalRows          int        `json:"total_rows"`
	ProcessedRows      int        `json:"processed_rows"`
	SuccessfulRows     int        `json:"successful_rows"`
	FailedRows         int        `json:"failed_rows"`
	DuplicateRows      int        `json:"duplicate_rows"`
	ProgressPercentage float64    `json:"progress_percentage"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SnapshotFromJob builds a progress snapshot from the job's current state.
func SnapshotFromJob(job *ImportJob, now time.Time) *ProgressSnapshot {
	return &ProgressSnapshot{
		JobID:              job.ID,
		Status:             job.Status,
		TotalRows:          job.TotalRows,
		ProcessedRows:      job.ProcessedRows,
		SuccessfulRows:     job.SuccessfulRows,
		FailedRows:         job.FailedRows,
		DuplicateRows:      job.DuplicateRows,
		ProgressPercentage: job.ProgressPercentage,
		ErrorMessage:       job.ErrorMessage,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
		UpdatedAt:          now.UTC(),
	}
}
