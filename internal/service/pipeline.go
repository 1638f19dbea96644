package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/config"
	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/csvsource"
	"github.com/peopleflow/importd/internal/domain/model"
)

// PipelineOptions groups dependencies for Pipeline.
type PipelineOptions struct {
	Jobs      core.ImportJobRepository
	Rows      core.ImportRowRepository
	Errors    core.ImportErrorRepository
	Employees core.EmployeeRepository
	Progress  *ProgressTracker
	Validator *RowValidator
	Parser    *csvsource.Parser
	Config    config.ImportConfig
	Logger    *slog.Logger
}

// Pipeline runs the chunked import flows. One pipeline execution owns one
// job: nothing else mutates that job's counters while it runs.
type Pipeline struct {
	jobs      core.ImportJobRepository
	rows      core.ImportRowRepository
	errs      core.ImportErrorRepository
	employees core.EmployeeRepository
	progress  *ProgressTracker
	validator *RowValidator
	parser    *csvsource.Parser
	cfg       config.ImportConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		jobs:      opts.Jobs,
		rows:      opts.Rows,
		errs:      opts.Errors,
		employees: opts.Employees,
		progress:  opts.Progress,
		validator: opts.Validator,
		parser:    opts.Parser,
		cfg:       opts.Config,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
	}
}

// WithClock overrides the pipeline's notion of now. Used in tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes the full import flow for the job. Errors other than
// cancellation transition the job to failed and are returned so the
// dispatch queue's retry accounting sees them.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	job, err := p.jobs.ByID(ctx, jobID)
	if err != nil {
		return err
	}

	if err := p.runFullImport(ctx, job); err != nil {
		p.failJob(ctx, jobID, err)
		return err
	}
	return nil
}

func (p *Pipeline) runFullImport(ctx context.Context, job *model.ImportJob) error {
	switch job.Status {
	case model.JobStatusPending:
		if _, err := p.jobs.Start(ctx, job.ID, 0, p.now()); err != nil {
			return err
		}
	case model.JobStatusProcessing:
		// A requeued task after a worker crash resumes the in-flight job.
	default:
		return apperrors.IllegalTransitionf("cannot run job in status %q", job.Status)
	}
	p.logger.InfoContext(ctx, "import started",
		"job_id", job.ID,
		"filename", job.OriginalFilename,
	)

	// Structural gate: a malformed file fails the job before any row exists.
	problems, err := p.parser.ValidateStructure(job.FilePath)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return apperrors.MalformedFile("file structure invalid: " + strings.Join(problems, "; "))
	}

	stats, err := p.parser.Statistics(job.FilePath)
	if err != nil {
		return err
	}
	if p.cfg.MaxRows > 0 && stats.RowCount > p.cfg.MaxRows {
		return apperrors.MalformedFilef("file has %d rows, limit is %d", stats.RowCount, p.cfg.MaxRows)
	}

	if _, err := p.jobs.SetTotalRows(ctx, job.ID, stats.RowCount); err != nil {
		return err
	}

	// Crash-restart guard: rows already materialized mean a prior attempt
	// got past this point, so go straight to processing.
	hasRows, err := p.rows.HasRows(ctx, job.ID)
	if err != nil {
		return err
	}
	if !hasRows {
		if err := p.materializeRows(ctx, job.ID, job.FilePath); err != nil {
			return err
		}
	}

	counters, cancelled, err := p.processAll(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return p.finishCancelled(ctx, job.ID)
	}

	completed, err := p.jobs.Complete(ctx, job.ID, counters, p.now())
	if err != nil {
		return err
	}
	p.progress.Publish(ctx, completed)
	p.logger.InfoContext(ctx, "import completed",
		"job_id", job.ID,
		"total", completed.TotalRows,
		"successful", completed.SuccessfulRows,
		"failed", completed.FailedRows,
		"duplicate", completed.DuplicateRows,
	)
	return nil
}

// RetryFailedRows executes the failed-row retry flow: the new job
// re-processes exactly the parent job's rows that failed validation or
// deduplication. Retry jobs finish completed even when every row fails
// again.
func (p *Pipeline) RetryFailedRows(ctx context.Context, jobID, parentJobID string) error {
	if err := p.runRetry(ctx, jobID, parentJobID); err != nil {
		p.failJob(ctx, jobID, err)
		return err
	}
	return nil
}

func (p *Pipeline) runRetry(ctx context.Context, jobID, parentJobID string) error {
	rowNumbers, err := p.errs.RowNumbersByTypes(ctx, parentJobID,
		[]model.ErrorType{model.ErrorTypeValidation, model.ErrorTypeDuplicate})
	if err != nil {
		return err
	}
	if len(rowNumbers) == 0 {
		return apperrors.Validation("nothing to retry: job has no validation or duplicate errors")
	}

	parentRows, err := p.rows.ByRowNumbers(ctx, parentJobID, rowNumbers)
	if err != nil {
		return err
	}

	retryJob, err := p.jobs.ByID(ctx, jobID)
	if err != nil {
		return err
	}
	switch retryJob.Status {
	case model.JobStatusPending:
		if _, err := p.jobs.Start(ctx, jobID, len(parentRows), p.now()); err != nil {
			return err
		}
	case model.JobStatusProcessing:
		// Crash-resume, same as the full import path.
	default:
		return apperrors.IllegalTransitionf("cannot run retry job in status %q", retryJob.Status)
	}
	p.logger.InfoContext(ctx, "failed-row retry started",
		"job_id", jobID,
		"parent_job_id", parentJobID,
		"rows", len(parentRows),
	)

	hasRows, err := p.rows.HasRows(ctx, jobID)
	if err != nil {
		return err
	}
	if !hasRows {
		subset := make([]model.ImportRow, len(parentRows))
		for i, row := range parentRows {
			subset[i] = model.ImportRow{RowNumber: row.RowNumber, RawData: row.RawData}
		}
		if _, err := p.rows.BulkInsert(ctx, jobID, subset, p.cfg.InsertChunkSize); err != nil {
			return err
		}
	}

	counters, cancelled, err := p.processAll(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return p.finishCancelled(ctx, jobID)
	}

	completed, err := p.jobs.Complete(ctx, jobID, counters, p.now())
	if err != nil {
		return err
	}
	p.progress.Publish(ctx, completed)
	return nil
}

// materializeRows streams the file and persists one pending row per data
// row, in bounded per-transaction chunks.
func (p *Pipeline) materializeRows(ctx context.Context, jobID, path string) error {
	src, err := p.parser.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	chunkSize := p.cfg.InsertChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	chunk := make([]model.ImportRow, 0, chunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if _, insertErr := p.rows.BulkInsert(ctx, jobID, chunk, chunkSize); insertErr != nil {
			return insertErr
		}
		chunk = chunk[:0]
		return nil
	}

	for {
		cells, rowNumber, nextErr := src.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return nextErr
		}

		// Cells beyond the canonical field list carry no meaning; drop them.
		if len(cells) > len(model.CanonicalFields) {
			cells = cells[:len(model.CanonicalFields)]
		}
		raw, rowErr := model.NewRowData(cells)
		if rowErr != nil {
			return fmt.Errorf("materialize row %d: %w", rowNumber, rowErr)
		}

		chunk = append(chunk, model.ImportRow{RowNumber: rowNumber, RawData: raw})
		if len(chunk) >= chunkSize {
			if flushErr := flush(); flushErr != nil {
				return flushErr
			}
		}
	}
	return flush()
}

// processAll drives the chunk loop over every row of the job, in ascending
// row number order. It returns the final counters and whether a cancel
// request stopped the loop at a chunk boundary.
func (p *Pipeline) processAll(ctx context.Context, jobID string) (model.JobCounters, bool, error) {
	var counters model.JobCounters

	// Seed the in-job duplicate index from rows already imported in a
	// prior partial run, so crash-resume keeps the same duplicate verdicts.
	dupNumbers, dupEmails, err := p.rows.SuccessfulEmployeeKeys(ctx, jobID)
	if err != nil {
		return counters, false, err
	}

	chunkSize := p.cfg.ProcessChunkSize
	if chunkSize <= 0 {
		chunkSize = 200
	}

	// Every status is eligible: terminal rows are counted, not reprocessed.
	allStatuses := []model.RowStatus{
		model.RowStatusPending, model.RowStatusProcessing, model.RowStatusSuccess,
		model.RowStatusFailed, model.RowStatusDuplicate, model.RowStatusSkipped,
	}

	afterRow := 0
	for {
		// Cancellation is observed only here, between chunks.
		cancelRequested, cancelErr := p.jobs.CancelRequested(ctx, jobID)
		if cancelErr != nil {
			return counters, false, cancelErr
		}
		if cancelRequested {
			return counters, true, nil
		}

		chunk, listErr := p.rows.ListChunk(ctx, jobID, allStatuses, afterRow, chunkSize)
		if listErr != nil {
			return counters, false, listErr
		}
		if len(chunk) == 0 {
			break
		}

		for i := range chunk {
			p.processRow(ctx, jobID, &chunk[i], &counters, dupNumbers, dupEmails)
		}
		afterRow = chunk[len(chunk)-1].RowNumber

		// Chunk N's counters are durable before chunk N+1 begins, so any
		// progress read reflects a complete prefix of rows.
		updated, updateErr := p.jobs.UpdateCounters(ctx, jobID, counters)
		if updateErr != nil {
			return counters, false, updateErr
		}
		p.progress.Publish(ctx, updated)

		if p.cfg.ChunkPause > 0 {
			select {
			case <-time.After(p.cfg.ChunkPause):
			case <-ctx.Done():
				return counters, false, ctx.Err()
			}
		}
	}
	return counters, false, nil
}

// processRow settles one row. Row-level failures are recorded and counted,
// never propagated: only infrastructure errors around the row (ledger
// writes) are logged, and the loop advances regardless.
func (p *Pipeline) processRow(
	ctx context.Context,
	jobID string,
	row *model.ImportRow,
	counters *model.JobCounters,
	dupNumbers, dupEmails map[string]int,
) {
	// Rows settled by a prior run are counted toward the totals and
	// otherwise untouched. Skipped rows were never attempted, so a re-run
	// picks them up again.
	switch row.Status {
	case model.RowStatusSuccess:
		counters.Processed++
		counters.Successful++
		return
	case model.RowStatusFailed:
		counters.Processed++
		counters.Failed++
		return
	case model.RowStatusDuplicate:
		counters.Processed++
		counters.Duplicate++
		return
	}

	res := p.validator.Validate(row.RawData)
	if !res.Valid {
		counters.Processed++
		counters.Failed++
		p.settleRow(ctx, row, model.RowOutcome{
			Status:           model.RowStatusFailed,
			ErrorMessage:     "validation failed",
			ValidationErrors: res.Errors,
		})
		p.recordError(ctx, model.NewValidationError(row, res.Errors))
		return
	}

	up := res.Upsert
	numberKey := strings.ToUpper(up.EmployeeNumber)
	emailKey := strings.ToLower(up.Email)

	if earlier, ok := dupNumbers[numberKey]; ok && earlier != row.RowNumber {
		p.markDuplicate(ctx, row, counters,
			fmt.Sprintf("employee number %s already imported by row %d of this job", up.EmployeeNumber, earlier))
		return
	}
	if earlier, ok := dupEmails[emailKey]; ok && earlier != row.RowNumber {
		p.markDuplicate(ctx, row, counters,
			fmt.Sprintf("email %s already imported by row %d of this job", up.Email, earlier))
		return
	}

	up.ImportJobID = jobID
	employee, upsertErr := p.upsertEmployee(ctx, *up)
	if upsertErr != nil {
		counters.Processed++
		counters.Failed++
		p.settleRow(ctx, row, model.RowOutcome{
			Status:       model.RowStatusFailed,
			ErrorMessage: upsertErr.Error(),
		})
		p.recordError(ctx, model.NewSystemError(row, upsertErr))
		return
	}

	counters.Processed++
	counters.Successful++
	p.settleRow(ctx, row, model.RowOutcome{
		Status:     model.RowStatusSuccess,
		EmployeeID: &employee.ID,
	})
	dupNumbers[numberKey] = row.RowNumber
	dupEmails[emailKey] = row.RowNumber
}

// upsertEmployee updates the matching employee in place or creates a new
// one. Unique-constraint races with concurrent jobs surface as errors the
// caller records as a system failure for that row.
func (p *Pipeline) upsertEmployee(ctx context.Context, up model.EmployeeUpsert) (*model.Employee, error) {
	existing, err := p.employees.FindByNumberOrEmail(ctx, up.EmployeeNumber, up.Email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return p.employees.Create(ctx, up, p.now())
	}
	return p.employees.Update(ctx, existing.ID, up, p.now())
}

func (p *Pipeline) markDuplicate(ctx context.Context, row *model.ImportRow, counters *model.JobCounters, reason string) {
	counters.Processed++
	counters.Duplicate++
	p.settleRow(ctx, row, model.RowOutcome{
		Status:       model.RowStatusDuplicate,
		ErrorMessage: reason,
	})
	p.recordError(ctx, model.NewDuplicateError(row, reason))
}

func (p *Pipeline) settleRow(ctx context.Context, row *model.ImportRow, outcome model.RowOutcome) {
	if err := p.rows.UpdateOutcome(ctx, row.ID, outcome, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "row outcome update failed",
			"job_id", row.ImportJobID,
			"row_number", row.RowNumber,
			"error", err,
		)
	}
}

func (p *Pipeline) recordError(ctx context.Context, e *model.ImportError) {
	if err := p.errs.Insert(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "import error insert failed",
			"job_id", e.ImportJobID,
			"row_number", e.RowNumber,
			"error", err,
		)
	}
}

// finishCancelled sweeps unprocessed rows to skipped and settles the job
// as cancelled.
func (p *Pipeline) finishCancelled(ctx context.Context, jobID string) error {
	skipped, err := p.rows.MarkRemainingSkipped(ctx, jobID)
	if err != nil {
		return err
	}

	cancelled, err := p.jobs.Cancel(ctx, jobID, p.now())
	if err != nil {
		// A concurrent cancel may have already settled the job.
		if apperrors.IsIllegalTransition(err) {
			return nil
		}
		return err
	}
	p.progress.Publish(ctx, cancelled)
	p.logger.InfoContext(ctx, "import cancelled",
		"job_id", jobID,
		"skipped_rows", skipped,
	)
	return nil
}

// failJob settles the job as failed with the error's message. Called on
// the outermost error path, where the original error wins over any
// transition failure here.
func (p *Pipeline) failJob(ctx context.Context, jobID string, cause error) {
	failed, err := p.jobs.Fail(ctx, jobID, cause.Error(), p.now())
	if err != nil {
		p.logger.ErrorContext(ctx, "job fail transition failed",
			"job_id", jobID,
			"cause", cause,
			"error", err,
		)
		return
	}
	p.progress.Publish(ctx, failed)
	p.logger.WarnContext(ctx, "import failed",
		"job_id", jobID,
		"error", cause,
	)
}
