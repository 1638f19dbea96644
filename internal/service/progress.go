package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/domain/model"
)

// ProgressTracker maintains the fast read path for job progress. Writes are
// best-effort: the durable counters in the database are the source of
// truth, the cache only spares the hot polling path.
type ProgressTracker struct {
	publisher core.ProgressPublisher
	jobs      core.ImportJobRepository
	logger    *slog.Logger
	now       func() time.Time
}

// NewProgressTracker constructs a ProgressTracker.
func NewProgressTracker(publisher core.ProgressPublisher, jobs core.ImportJobRepository, logger *slog.Logger) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{
		publisher: publisher,
		jobs:      jobs,
		logger:    logger.With("component", "progress"),
		now:       time.Now,
	}
}

// WithClock overrides the tracker's notion of now. Used in tests.
func (t *ProgressTracker) WithClock(now func() time.Time) *ProgressTracker {
	t.now = now
	return t
}

// Publish pushes a snapshot built from the job's current state. A cache
// failure is logged and swallowed: losing a snapshot only delays what
// readers see by one chunk.
func (t *ProgressTracker) Publish(ctx context.Context, job *model.ImportJob) {
	if job == nil {
		return
	}
	snap := model.SnapshotFromJob(job, t.now())
	if err := t.publisher.Publish(ctx, *snap); err != nil {
		t.logger.WarnContext(ctx, "progress snapshot publish failed",
			"job_id", job.ID,
			"error", err,
		)
	}
}

// Snapshot returns the job's progress, preferring the cached snapshot and
// falling back to the durable counters when the cache misses or errors.
func (t *ProgressTracker) Snapshot(ctx context.Context, jobID string) (*model.ProgressSnapshot, error) {
	snap, err := t.publisher.Read(ctx, jobID)
	if err != nil {
		t.logger.WarnContext(ctx, "progress snapshot read failed, falling back to database",
			"job_id", jobID,
			"error", err,
		)
	}
	if snap != nil {
		return snap, nil
	}

	job, err := t.jobs.ByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return model.SnapshotFromJob(job, t.now()), nil
}

// Clear drops the cached snapshot, logging failures.
func (t *ProgressTracker) Clear(ctx context.Context, jobID string) {
	if err := t.publisher.Clear(ctx, jobID); err != nil {
		t.logger.WarnContext(ctx, "progress snapshot clear failed",
			"job_id", jobID,
			"error", err,
		)
	}
}
