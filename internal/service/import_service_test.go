package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/csvsource"
	"github.com/peopleflow/importd/internal/domain/model"
)

type serviceFixture struct {
	svc       *ImportService
	jobs      *fakeJobRepo
	rows      *fakeRowRepo
	errs      *fakeErrorRepo
	tasks     *fakeTaskRepo
	publisher *fakePublisher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	jobs := newFakeJobRepo()
	rows := newFakeRowRepo()
	errs := newFakeErrorRepo()
	tasks := newFakeTaskRepo()
	publisher := newFakePublisher()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewImportService(ImportServiceOptions{
		Jobs:     jobs,
		Rows:     rows,
		Errors:   errs,
		Tasks:    tasks,
		Progress: NewProgressTracker(publisher, jobs, logger),
		Parser:   csvsource.NewParser(0),
		Logger:   logger,
	})

	return &serviceFixture{
		svc:       svc,
		jobs:      jobs,
		rows:      rows,
		errs:      errs,
		tasks:     tasks,
		publisher: publisher,
	}
}

func (f *serviceFixture) registerImport(t *testing.T) *model.ImportJob {
	t.Helper()
	path := filepath.Join(t.TempDir(), "employees.csv")
	require.NoError(t, os.WriteFile(path, []byte(csvHeader+"\n"), 0o600))
	job, err := f.svc.RegisterImport(context.Background(), RegisterImportRequest{
		FilePath:         path,
		OriginalFilename: "employees.csv",
	})
	require.NoError(t, err)
	return job
}

// settleJob moves a registered job with a live task into the given terminal
// status, the way a worker run would leave it.
func (f *serviceFixture) settleJob(t *testing.T, jobID string, status model.JobStatus) {
	t.Helper()
	ctx := context.Background()

	task, err := f.tasks.ReserveNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, task.JobID)

	_, err = f.jobs.Start(ctx, jobID, 0, time.Now())
	require.NoError(t, err)
	switch status {
	case model.JobStatusCompleted:
		_, err = f.jobs.Complete(ctx, jobID, model.JobCounters{}, time.Now())
		require.NoError(t, err)
		require.NoError(t, f.tasks.Complete(ctx, task.ID, "worker-1"))
	case model.JobStatusFailed:
		_, err = f.jobs.Fail(ctx, jobID, "boom", time.Now())
		require.NoError(t, err)
		require.NoError(t, f.tasks.Fail(ctx, task.ID, "worker-1", assert.AnError))
	default:
		t.Fatalf("unsupported settle status %q", status)
	}
}

func TestRegisterImportRequest_Validate(t *testing.T) {
	err := (&RegisterImportRequest{OriginalFilename: "a.csv"}).Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "file_path", apperrors.GetField(err))

	err = (&RegisterImportRequest{FilePath: "/tmp/a.csv"}).Validate()
	require.Error(t, err)
	assert.Equal(t, "original_filename", apperrors.GetField(err))

	assert.NoError(t, (&RegisterImportRequest{
		FilePath:         "/tmp/a.csv",
		OriginalFilename: "a.csv",
	}).Validate())
}

func TestImportService_RegisterImport(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	job := f.registerImport(t)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "employees.csv", job.OriginalFilename)
	assert.Positive(t, job.FileSize)

	task, err := f.tasks.ByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskKindFullImport, task.Kind)
	assert.Equal(t, model.TaskStatusPending, task.Status)
}

func TestImportService_RegisterImport_MissingFile(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.RegisterImport(context.Background(), RegisterImportRequest{
		FilePath:         filepath.Join(t.TempDir(), "no-such.csv"),
		OriginalFilename: "no-such.csv",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedFile(err))
}

func TestImportService_GetJobSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	job := f.registerImport(t)

	// Cache miss falls back to the durable job record.
	snap, err := f.svc.GetJobSnapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, snap.JobID)
	assert.Equal(t, model.JobStatusPending, snap.Status)

	// A published snapshot wins over the database.
	require.NoError(t, f.publisher.Publish(ctx, model.ProgressSnapshot{
		JobID:         job.ID,
		Status:        model.JobStatusProcessing,
		ProcessedRows: 42,
	}))
	snap, err = f.svc.GetJobSnapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, snap.Status)
	assert.Equal(t, 42, snap.ProcessedRows)

	_, err = f.svc.GetJobSnapshot(ctx, "job-999")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestImportService_PagesRequireJob(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, _, err := f.svc.GetRowPage(ctx, "job-999", core.RowPageQuery{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	_, _, err = f.svc.GetErrorPage(ctx, "job-999", core.ErrorPageQuery{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestImportService_RequestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending job settles immediately", func(t *testing.T) {
		f := newServiceFixture(t)
		job := f.registerImport(t)

		cancelled, err := f.svc.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
	})

	t.Run("processing job is flagged, not settled", func(t *testing.T) {
		f := newServiceFixture(t)
		job := f.registerImport(t)
		_, err := f.jobs.Start(ctx, job.ID, 10, time.Now())
		require.NoError(t, err)

		flagged, err := f.svc.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, flagged.Status)

		requested, err := f.jobs.CancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, requested)
	})

	t.Run("terminal job is rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		job := f.registerImport(t)
		f.settleJob(t, job.ID, model.JobStatusCompleted)

		_, err := f.svc.RequestCancel(ctx, job.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsIllegalTransition(err))
	})
}

func TestImportService_RequestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("failed job returns to pending with a fresh task", func(t *testing.T) {
		f := newServiceFixture(t)
		job := f.registerImport(t)
		f.settleJob(t, job.ID, model.JobStatusFailed)

		retried, err := f.svc.RequestRetry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, retried.Status)
		assert.Zero(t, retried.ProcessedRows)
		assert.Nil(t, retried.ErrorMessage)

		task, err := f.tasks.ByJobID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, model.TaskStatusPending, task.Status)
	})

	t.Run("completed job is rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		job := f.registerImport(t)
		f.settleJob(t, job.ID, model.JobStatusCompleted)

		_, err := f.svc.RequestRetry(ctx, job.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsIllegalTransition(err))
	})
}

func TestImportService_RequestRetryFailedRows(t *testing.T) {
	ctx := context.Background()

	seedError := func(t *testing.T, f *serviceFixture, jobID string, rowNumber int, errType model.ErrorType) {
		t.Helper()
		require.NoError(t, f.errs.Insert(ctx, &model.ImportError{
			ImportJobID:  jobID,
			RowNumber:    rowNumber,
			ErrorType:    errType,
			ErrorCode:    "E",
			ErrorMessage: "seeded",
		}))
	}

	t.Run("creates a new job over the eligible rows", func(t *testing.T) {
		f := newServiceFixture(t)
		parent := f.registerImport(t)
		f.settleJob(t, parent.ID, model.JobStatusCompleted)
		seedError(t, f, parent.ID, 2, model.ErrorTypeValidation)
		seedError(t, f, parent.ID, 5, model.ErrorTypeDuplicate)
		seedError(t, f, parent.ID, 7, model.ErrorTypeSystem)

		retry, err := f.svc.RequestRetryFailedRows(ctx, parent.ID)
		require.NoError(t, err)
		assert.NotEqual(t, parent.ID, retry.ID)
		assert.Equal(t, model.JobStatusPending, retry.Status)
		assert.Equal(t, parent.FilePath, retry.FilePath)

		// system errors are not re-runnable input problems
		assert.Equal(t, 2, retry.TotalRows)

		task, err := f.tasks.ByJobID(ctx, retry.ID)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, model.TaskKindFailedRows, task.Kind)

		var payload retryPayload
		require.NoError(t, json.Unmarshal(task.Payload, &payload))
		assert.Equal(t, parent.ID, payload.ParentJobID)
	})

	t.Run("live parent is rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		parent := f.registerImport(t)

		_, err := f.svc.RequestRetryFailedRows(ctx, parent.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsIllegalTransition(err))
	})

	t.Run("nothing to retry", func(t *testing.T) {
		f := newServiceFixture(t)
		parent := f.registerImport(t)
		f.settleJob(t, parent.ID, model.JobStatusCompleted)
		seedError(t, f, parent.ID, 3, model.ErrorTypeSystem)

		_, err := f.svc.RequestRetryFailedRows(ctx, parent.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestImportService_GetImportDetails(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	job := f.registerImport(t)

	_, err := f.rows.BulkInsert(ctx, job.ID, []model.ImportRow{
		{RowNumber: 1, RawData: model.RowData{"employee_number": "EMP-00000001"}},
		{RowNumber: 2, RawData: model.RowData{"employee_number": "EMP-00000002"}},
	}, 100)
	require.NoError(t, err)
	require.NoError(t, f.errs.Insert(ctx, &model.ImportError{
		ImportJobID:  job.ID,
		RowNumber:    2,
		ErrorType:    model.ErrorTypeValidation,
		ErrorCode:    "E",
		ErrorMessage: "seeded",
	}))

	details, err := f.svc.GetImportDetails(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, details.Job.ID)
	assert.Equal(t, 2, details.RowCounts[model.RowStatusPending])
	assert.Equal(t, 1, details.ErrorCounts[model.ErrorTypeValidation])
	require.NotNil(t, details.Task)
	assert.Equal(t, model.TaskKindFullImport, details.Task.Kind)
	require.NotNil(t, details.FileStats)
	assert.Zero(t, details.FileStats.RowCount)

	_, err = f.svc.GetImportDetails(ctx, "job-999")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
