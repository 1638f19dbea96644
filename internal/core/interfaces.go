// Package core defines the ports between the service layer and the data layer
// of the import system. The core owns the interfaces and the data layer
// provides the implementations.
package core

import (
	"context"
	"time"

	"github.com/peopleflow/importd/internal/domain/model"
)

// ListJobsQuery captures pagination for import job listings.
type ListJobsQuery struct {
	Limit  int
	Offset int
	// Status filters by job status when non-empty.
	Status string
}

// RowPageQuery captures pagination and filtering for row listings.
type RowPageQuery struct {
	Limit  int
	Offset int
	// Status filters by row status when non-empty.
	Status string
}

// ErrorPageQuery captures pagination and filtering for error listings.
type ErrorPageQuery struct {
	Limit  int
	Offset int
	// Type filters by error type when non-empty.
	Type string
}

// ImportJobRepository manages import job records and their status
// transitions. Transition methods enforce the job state machine at the
// database level with status-guarded updates; an update that matches no
// row because the job is in the wrong state returns an illegal
// transition error rather than silently succeeding.
type ImportJobRepository interface {
	// Create persists a new pending job and returns it with generated fields.
	Create(ctx context.Context, job *model.ImportJob) (*model.ImportJob, error)

	// ByID returns the job or a not found error.
	ByID(ctx context.Context, id string) (*model.ImportJob, error)

	// List returns a page of jobs ordered newest first, plus the total count.
	List(ctx context.Context, q ListJobsQuery) ([]model.ImportJob, int, error)

	// Start moves a pending job to processing, stamping started_at and
	// resetting counters. Fails with an illegal transition error if the
	// job is not pending.
	Start(ctx context.Context, id string, totalRows int, now time.Time) (*model.ImportJob, error)

	// SetTotalRows records the discovered row count on a processing job.
	SetTotalRows(ctx context.Context, id string, totalRows int) (*model.ImportJob, error)

	// UpdateCounters writes the running counters of a processing job.
	// Counters are monotonic; the update never decreases a stored value.
	UpdateCounters(ctx context.Context, id string, c model.JobCounters) (*model.ImportJob, error)

	// Complete moves a processing job to completed with final counters.
	Complete(ctx context.Context, id string, c model.JobCounters, now time.Time) (*model.ImportJob, error)

	// Fail moves a non-terminal job to failed with an operator-facing message.
	Fail(ctx context.Context, id string, message string, now time.Time) (*model.ImportJob, error)

	// Cancel moves a non-terminal job to cancelled. Cancelling an already
	// terminal job is an illegal transition.
	Cancel(ctx context.Context, id string, now time.Time) (*model.ImportJob, error)

	// RequestCancel flags a processing or pending job so the pipeline
	// observes the request at the next chunk boundary. Returns the
	// updated job.
	RequestCancel(ctx context.Context, id string) (*model.ImportJob, error)

	// CancelRequested reports whether a cancel has been requested for the job.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ResetForRetry moves a failed or cancelled job back to pending and
	// clears counters, timestamps and the error message. Row history is
	// preserved.
	ResetForRetry(ctx context.Context, id string) (*model.ImportJob, error)
}

// ImportRowRepository manages the materialized rows of an import job.
type ImportRowRepository interface {
	// BulkInsert materializes raw rows for a job in chunks, each chunk in
	// its own transaction. Rows that already exist for the same
	// (job, row number) pair are left untouched, which makes
	// re-materialization on retry idempotent. Returns the number of rows
	// newly inserted.
	BulkInsert(ctx context.Context, jobID string, rows []model.ImportRow, chunkSize int) (int, error)

	// ListChunk returns up to limit rows for the job in the given
	// statuses, ordered by row number, starting after afterRowNumber.
	ListChunk(ctx context.Context, jobID string, statuses []model.RowStatus, afterRowNumber int, limit int) ([]model.ImportRow, error)

	// UpdateOutcome records the processing outcome of a single row.
	// Rows already in a terminal status are not overwritten.
	UpdateOutcome(ctx context.Context, rowID int64, outcome model.RowOutcome, now time.Time) error

	// MarkRemainingSkipped moves all pending and processing rows of the
	// job to skipped. Used when a job is cancelled mid-flight. Returns
	// the number of rows affected.
	MarkRemainingSkipped(ctx context.Context, jobID string) (int, error)

	// ByRowNumbers returns the job's rows with the given row numbers,
	// ordered by row number. Feeds the failed-row retry flow.
	ByRowNumbers(ctx context.Context, jobID string, rowNumbers []int) ([]model.ImportRow, error)

	// HasRows reports whether any rows have been materialized for the
	// job. The pipeline's crash-restart guard.
	HasRows(ctx context.Context, jobID string) (bool, error)

	// Page returns a page of rows for a job plus the total count matching
	// the query.
	Page(ctx context.Context, jobID string, q RowPageQuery) ([]model.ImportRow, int, error)

	// CountByStatus returns per-status row counts for the job.
	CountByStatus(ctx context.Context, jobID string) (map[model.RowStatus]int, error)

	// SuccessfulEmployeeKeys returns the employee numbers and emails of
	// rows already imported successfully for the job, keyed for in-job
	// duplicate detection on retry.
	SuccessfulEmployeeKeys(ctx context.Context, jobID string) (numbers map[string]int, emails map[string]int, err error)
}

// ImportErrorRepository is the append-only error log of an import job.
type ImportErrorRepository interface {
	// Insert appends one error record.
	Insert(ctx context.Context, e *model.ImportError) error

	// Page returns a page of errors for a job plus the total count
	// matching the query, ordered by row number.
	Page(ctx context.Context, jobID string, q ErrorPageQuery) ([]model.ImportError, int, error)

	// CountByType returns per-type error counts for the job.
	CountByType(ctx context.Context, jobID string) (map[model.ErrorType]int, error)

	// RowNumbersByTypes returns the distinct row numbers of the job's
	// errors matching the given types, in ascending order. Feeds the
	// failed-row retry flow.
	RowNumbersByTypes(ctx context.Context, jobID string, types []model.ErrorType) ([]int, error)
}

// EmployeeRepository manages the employee records imports write into.
type EmployeeRepository interface {
	// FindByNumberOrEmail returns the existing employee matching the
	// employee number or email, or nil when neither matches.
	FindByNumberOrEmail(ctx context.Context, employeeNumber, email string) (*model.Employee, error)

	// Create inserts a new employee from an import row.
	Create(ctx context.Context, up model.EmployeeUpsert, now time.Time) (*model.Employee, error)

	// Update overwrites the mutable fields of an existing employee from
	// an import row.
	Update(ctx context.Context, id string, up model.EmployeeUpsert, now time.Time) (*model.Employee, error)

	// Count returns the total number of employees.
	Count(ctx context.Context) (int, error)
}

// TaskRepository is the dispatch queue that hands import work to
// background workers. Reservation uses row locking so concurrent workers
// never receive the same task.
type TaskRepository interface {
	// Create enqueues a task. At most one live task may exist per job,
	// enqueueing a second one returns a conflict error.
	Create(ctx context.Context, req model.CreateTaskRequest) (*model.ImportTask, error)

	// ReserveNext leases the oldest pending task. Returns
	// model.ErrNoTasksAvailable when the queue is empty.
	ReserveNext(ctx context.Context, workerID string, lease time.Duration) (*model.ImportTask, error)

	// Heartbeat extends the lease of a running task.
	Heartbeat(ctx context.Context, taskID, workerID string, lease time.Duration) error

	// Complete marks a running task completed.
	Complete(ctx context.Context, taskID, workerID string) error

	// Fail records a task failure. Tasks under their retry budget go back
	// to pending, the rest become failed.
	Fail(ctx context.Context, taskID, workerID string, taskErr error) error

	// ByJobID returns the most recent task for the job, or nil when none exists.
	ByJobID(ctx context.Context, jobID string) (*model.ImportTask, error)

	// WaitForTask blocks until a task notification arrives or the timeout
	// elapses. A nil error means a wakeup was received.
	WaitForTask(ctx context.Context, timeout time.Duration) error
}
