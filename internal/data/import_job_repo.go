package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/data/database"
	"github.com/peopleflow/importd/internal/domain/model"
)

// ImportJobRepo provides database operations for import jobs. Status
// transitions are enforced with status-guarded updates so concurrent
// writers cannot push a job through an illegal edge.
type ImportJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewImportJobRepo creates a new ImportJobRepo.
func NewImportJobRepo(db *sql.DB, tp TimeProvider, logger *slog.Logger) *ImportJobRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ImportJobRepo{DB: db, timeProvider: tp, logger: logger}
}

const importJobColumns = `
  id,
  original_filename,
  file_path,
  file_size,
  total_rows,
  processed_rows,
  successful_rows,
  failed_rows,
  duplicate_rows,
  status,
  error_message,
  progress_percentage,
  cancel_requested,
  started_at,
  completed_at,
  created_at,
  updated_at
`

// importJobColumnList mirrors importJobColumns for the query builder; the
// order must match scanImportJob.
var importJobColumnList = []string{
	"id", "original_filename", "file_path", "file_size",
	"total_rows", "processed_rows", "successful_rows", "failed_rows", "duplicate_rows",
	"status", "error_message", "progress_percentage", "cancel_requested",
	"started_at", "completed_at", "created_at", "updated_at",
}

// Create persists a new pending job.
func (r *ImportJobRepo) Create(ctx context.Context, job *model.ImportJob) (*model.ImportJob, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if strings.TrimSpace(job.OriginalFilename) == "" {
		return nil, apperrors.ValidationField("original_filename", "original filename is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO import_jobs (original_filename, file_path, file_size, total_rows, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING `+importJobColumns,
		job.OriginalFilename, job.FilePath, job.FileSize, job.TotalRows)

	created, err := scanImportJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return created, nil
}

// ByID returns the job or a not found error.
func (r *ImportJobRepo) ByID(ctx context.Context, id string) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+importJobColumns+`
		FROM import_jobs
		WHERE id = $1
	`, id)

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("import job not found")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// List returns a page of jobs ordered newest first plus the total count.
func (r *ImportJobRepo) List(ctx context.Context, q core.ListJobsQuery) ([]model.ImportJob, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []database.Condition
	if q.Status != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(q.Status)); err != nil {
			return nil, 0, apperrors.ValidationField("status", err.Error())
		}
		conds = append(conds, database.WhereCond("status", database.Equal, string(status)))
	}

	countQuery, countArgs := database.BuildListQuery(database.NewListQueryOptions("import_jobs",
		database.WithConditions(conds...),
		database.WithCountOnly(),
	))

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query, pageArgs := database.BuildListQuery(database.NewListQueryOptions("import_jobs",
		database.WithColumns(importJobColumnList...),
		database.WithConditions(conds...),
		database.WithOrderBy("created_at", "DESC"),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	rows, err := r.DB.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		job, scanErr := scanImportJob(rows)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, *job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", rowsErr)
	}
	return jobs, total, nil
}

// Start moves a pending job to processing and records the discovered row count.
func (r *ImportJobRepo) Start(ctx context.Context, id string, totalRows int, now time.Time) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET status = 'processing',
		    total_rows = $2,
		    processed_rows = 0,
		    successful_rows = 0,
		    failed_rows = 0,
		    duplicate_rows = 0,
		    progress_percentage = 0,
		    error_message = NULL,
		    started_at = $3,
		    completed_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+importJobColumns,
		id, totalRows, now.UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "start")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// SetTotalRows records the discovered row count on a processing job.
func (r *ImportJobRepo) SetTotalRows(ctx context.Context, id string, totalRows int) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET total_rows = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
		RETURNING `+importJobColumns,
		id, totalRows, r.timeProvider.Now().UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "set total rows on")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// UpdateCounters writes the running counters of a processing job.
// GREATEST keeps the stored values monotonic under concurrent publishers.
func (r *ImportJobRepo) UpdateCounters(ctx context.Context, id string, c model.JobCounters) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET processed_rows = GREATEST(processed_rows, $2),
		    successful_rows = GREATEST(successful_rows, $3),
		    failed_rows = GREATEST(failed_rows, $4),
		    duplicate_rows = GREATEST(duplicate_rows, $5),
		    progress_percentage = CASE
		        WHEN total_rows > 0 THEN LEAST(ROUND(GREATEST(processed_rows, $2)::numeric * 100 / total_rows, 2), 100)
		        ELSE 0
		    END,
		    updated_at = $6
		WHERE id = $1 AND status = 'processing'
		RETURNING `+importJobColumns,
		id, c.Processed, c.Successful, c.Failed, c.Duplicate, r.timeProvider.Now().UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "update progress")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Complete moves a processing job to completed with final counters.
func (r *ImportJobRepo) Complete(ctx context.Context, id string, c model.JobCounters, now time.Time) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET status = 'completed',
		    processed_rows = $2,
		    successful_rows = $3,
		    failed_rows = $4,
		    duplicate_rows = $5,
		    progress_percentage = 100,
		    completed_at = $6,
		    updated_at = $6
		WHERE id = $1 AND status = 'processing'
		RETURNING `+importJobColumns,
		id, c.Processed, c.Successful, c.Failed, c.Duplicate, now.UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "complete")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Fail moves a non-terminal job to failed with an operator-facing message.
func (r *ImportJobRepo) Fail(ctx context.Context, id string, message string, now time.Time) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET status = 'failed',
		    error_message = $2,
		    completed_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+importJobColumns,
		id, message, now.UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "fail")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Cancel moves a non-terminal job to cancelled.
func (r *ImportJobRepo) Cancel(ctx context.Context, id string, now time.Time) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+importJobColumns,
		id, now.UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "cancel")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// RequestCancel flags a live job so the pipeline stops at the next chunk boundary.
func (r *ImportJobRepo) RequestCancel(ctx context.Context, id string) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET cancel_requested = TRUE,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+importJobColumns,
		id, r.timeProvider.Now().UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "cancel")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// CancelRequested reports whether a cancel has been requested for the job.
func (r *ImportJobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM import_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFound("import job not found")
	}
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return requested, nil
}

// ResetForRetry moves a failed or cancelled job back to pending for a re-run.
func (r *ImportJobRepo) ResetForRetry(ctx context.Context, id string) (*model.ImportJob, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE import_jobs
		SET status = 'pending',
		    processed_rows = 0,
		    successful_rows = 0,
		    failed_rows = 0,
		    duplicate_rows = 0,
		    progress_percentage = 0,
		    error_message = NULL,
		    cancel_requested = FALSE,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status IN ('failed', 'cancelled')
		RETURNING `+importJobColumns,
		id, r.timeProvider.Now().UTC())

	job, err := scanImportJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, "retry")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// transitionError distinguishes a missing job from a status-guard miss
// after an update matched no rows.
func (r *ImportJobRepo) transitionError(ctx context.Context, id, attempted string) error {
	var status model.JobStatus
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM import_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("import job not found")
	}
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return apperrors.IllegalTransitionf("cannot %s job in status %q", attempted, status)
}

type importJobScanner interface {
	Scan(dest ...any) error
}

func scanImportJob(scanner importJobScanner) (*model.ImportJob, error) {
	job := &model.ImportJob{}
	var errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := scanner.Scan(
		&job.ID,
		&job.OriginalFilename,
		&job.FilePath,
		&job.FileSize,
		&job.TotalRows,
		&job.ProcessedRows,
		&job.SuccessfulRows,
		&job.FailedRows,
		&job.DuplicateRows,
		&job.Status,
		&errorMessage,
		&job.ProgressPercentage,
		&job.CancelRequested,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.ErrorMessage = nullableString(errorMessage)
	job.StartedAt = nullableTime(startedAt)
	job.CompletedAt = nullableTime(completedAt)
	return job, nil
}
