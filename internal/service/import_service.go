package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/csvsource"
	"github.com/peopleflow/importd/internal/domain/model"
)

// ImportServiceOptions groups dependencies for ImportService.
type ImportServiceOptions struct {
	Jobs     core.ImportJobRepository
	Rows     core.ImportRowRepository
	Errors   core.ImportErrorRepository
	Tasks    core.TaskRepository
	Progress *ProgressTracker
	Parser   *csvsource.Parser
	Logger   *slog.Logger
}

// ImportService is the external interface of the import system: it
// registers jobs, exposes their progress and history, and turns operator
// requests into dispatch-queue tasks. The pipeline itself runs in workers.
type ImportService struct {
	jobs     core.ImportJobRepository
	rows     core.ImportRowRepository
	errs     core.ImportErrorRepository
	tasks    core.TaskRepository
	progress *ProgressTracker
	parser   *csvsource.Parser
	logger   *slog.Logger
}

// NewImportService constructs an ImportService.
func NewImportService(opts ImportServiceOptions) *ImportService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportService{
		jobs:     opts.Jobs,
		rows:     opts.Rows,
		errs:     opts.Errors,
		tasks:    opts.Tasks,
		progress: opts.Progress,
		parser:   opts.Parser,
		logger:   logger.With("component", "imports"),
	}
}

// RegisterImportRequest describes an already-uploaded file to import.
type RegisterImportRequest struct {
	FilePath         string `json:"file_path"`
	OriginalFilename string `json:"original_filename"`
}

// Validate checks the request's required fields.
func (r *RegisterImportRequest) Validate() error {
	if strings.TrimSpace(r.FilePath) == "" {
		return apperrors.ValidationField("file_path", "file path is required")
	}
	if strings.TrimSpace(r.OriginalFilename) == "" {
		return apperrors.ValidationField("original_filename", "original filename is required")
	}
	return nil
}

// RegisterImport creates a pending job for the file and enqueues a full
// import task. Only file-level gates run here; structural problems inside
// the file fail the job later, during the pipeline's own validation.
func (s *ImportService) RegisterImport(ctx context.Context, req RegisterImportRequest) (*model.ImportJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeMalformedFile, "cannot read file %q", req.FilePath)
	}

	job, err := s.jobs.Create(ctx, &model.ImportJob{
		OriginalFilename: req.OriginalFilename,
		FilePath:         req.FilePath,
		FileSize:         info.Size(),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.tasks.Create(ctx, model.CreateTaskRequest{
		JobID: job.ID,
		Kind:  model.TaskKindFullImport,
	}); err != nil {
		return nil, fmt.Errorf("enqueue import task: %w", err)
	}

	s.logger.InfoContext(ctx, "import registered",
		"job_id", job.ID,
		"filename", job.OriginalFilename,
		"file_size", job.FileSize,
	)
	return job, nil
}

// GetJob returns the durable job record.
func (s *ImportService) GetJob(ctx context.Context, jobID string) (*model.ImportJob, error) {
	return s.jobs.ByID(ctx, jobID)
}

// GetJobSnapshot returns the job's progress from the fast read path,
// falling back to the durable counters.
func (s *ImportService) GetJobSnapshot(ctx context.Context, jobID string) (*model.ProgressSnapshot, error) {
	return s.progress.Snapshot(ctx, jobID)
}

// ListJobs returns a page of jobs plus the total count.
func (s *ImportService) ListJobs(ctx context.Context, q core.ListJobsQuery) ([]model.ImportJob, int, error) {
	return s.jobs.List(ctx, q)
}

// GetRowPage returns a page of the job's rows.
func (s *ImportService) GetRowPage(ctx context.Context, jobID string, q core.RowPageQuery) ([]model.ImportRow, int, error) {
	if _, err := s.jobs.ByID(ctx, jobID); err != nil {
		return nil, 0, err
	}
	return s.rows.Page(ctx, jobID, q)
}

// GetErrorPage returns a page of the job's error records.
func (s *ImportService) GetErrorPage(ctx context.Context, jobID string, q core.ErrorPageQuery) ([]model.ImportError, int, error) {
	if _, err := s.jobs.ByID(ctx, jobID); err != nil {
		return nil, 0, err
	}
	return s.errs.Page(ctx, jobID, q)
}

// RequestCancel flags a live job for cooperative cancellation. The
// in-flight chunk finishes; the next chunk boundary observes the flag and
// settles the job as cancelled. Cancelling a terminal job is rejected.
func (s *ImportService) RequestCancel(ctx context.Context, jobID string) (*model.ImportJob, error) {
	job, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// A pending job has no worker to observe the flag, settle it directly.
	if job.Status == model.JobStatusPending {
		cancelled, cancelErr := s.jobs.Cancel(ctx, jobID, time.Now())
		if cancelErr == nil {
			job = cancelled
		} else if !apperrors.IsIllegalTransition(cancelErr) {
			return nil, cancelErr
		}
	}

	s.logger.InfoContext(ctx, "cancel requested", "job_id", jobID)
	return job, nil
}

// RequestRetry re-runs a failed or cancelled job from the top: the job
// returns to pending with cleared counters and a fresh full-import task.
// Prior row and error history is preserved; already-settled rows are
// skip-counted by the re-run.
func (s *ImportService) RequestRetry(ctx context.Context, jobID string) (*model.ImportJob, error) {
	job, err := s.jobs.ResetForRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if _, err := s.tasks.Create(ctx, model.CreateTaskRequest{
		JobID: job.ID,
		Kind:  model.TaskKindFullImport,
	}); err != nil {
		return nil, fmt.Errorf("enqueue retry task: %w", err)
	}

	s.logger.InfoContext(ctx, "retry requested", "job_id", jobID)
	return job, nil
}

// retryPayload is the task payload linking a failed-rows retry job to the
// job whose errors it re-processes.
type retryPayload struct {
	ParentJobID string `json:"parent_job_id"`
}

// RequestRetryFailedRows creates a new job that re-processes exactly the
// rows of the given job that failed validation or deduplication. System
// errors are excluded: they indicate infrastructure problems, not bad
// input. Returns the new job.
func (s *ImportService) RequestRetryFailedRows(ctx context.Context, jobID string) (*model.ImportJob, error) {
	parent, err := s.jobs.ByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !parent.Status.Terminal() {
		return nil, apperrors.IllegalTransitionf("cannot retry rows of job in status %q", parent.Status)
	}

	rowNumbers, err := s.errs.RowNumbersByTypes(ctx, jobID,
		[]model.ErrorType{model.ErrorTypeValidation, model.ErrorTypeDuplicate})
	if err != nil {
		return nil, err
	}
	if len(rowNumbers) == 0 {
		return nil, apperrors.Validation("nothing to retry: job has no validation or duplicate errors")
	}

	retryJob, err := s.jobs.Create(ctx, &model.ImportJob{
		OriginalFilename: parent.OriginalFilename,
		FilePath:         parent.FilePath,
		FileSize:         parent.FileSize,
		TotalRows:        len(rowNumbers),
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(retryPayload{ParentJobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal retry payload: %w", err)
	}
	if _, err := s.tasks.Create(ctx, model.CreateTaskRequest{
		JobID:   retryJob.ID,
		Kind:    model.TaskKindFailedRows,
		Payload: payload,
	}); err != nil {
		return nil, fmt.Errorf("enqueue failed-rows task: %w", err)
	}

	s.logger.InfoContext(ctx, "failed-row retry requested",
		"job_id", retryJob.ID,
		"parent_job_id", jobID,
		"rows", len(rowNumbers),
	)
	return retryJob, nil
}

// ImportDetails is the operator's deep view of one job: the job record,
// per-status row counts, per-type error counts, and the latest dispatch
// task.
type ImportDetails struct {
	Job         *model.ImportJob         `json:"job"`
	RowCounts   map[model.RowStatus]int  `json:"row_counts"`
	ErrorCounts map[model.ErrorType]int  `json:"error_counts"`
	Task        *model.ImportTask        `json:"task,omitempty"`
	FileStats   *csvsource.Statistics    `json:"file_stats,omitempty"`
}

// GetImportDetails aggregates the job's processing state.
func (s *ImportService) GetImportDetails(ctx context.Context, jobID string) (*ImportDetails, error) {
	job, err := s.jobs.ByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rowCounts, err := s.rows.CountByStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	errorCounts, err := s.errs.CountByType(ctx, jobID)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.ByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	details := &ImportDetails{
		Job:         job,
		RowCounts:   rowCounts,
		ErrorCounts: errorCounts,
		Task:        task,
	}

	// File statistics are best-effort: the source file may be gone for
	// old jobs.
	if stats, statsErr := s.parser.Statistics(job.FilePath); statsErr == nil {
		details.FileStats = stats
	}
	return details, nil
}
