// Package importrunner pulls import tasks from the dispatch queue and
// executes the pipeline for them.
package importrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/domain/model"
)

// Pipeline is the part of the import service the runner drives for a task.
type Pipeline interface {
	Run(ctx context.Context, jobID string) error
	RetryFailedRows(ctx context.Context, jobID, parentJobID string) error
}

// pollInterval bounds how long a worker sleeps when the queue looks empty
// and no wakeup notification arrives.
const pollInterval = 15 * time.Second

// RunnerOptions configures the import task runner.
type RunnerOptions struct {
	Tasks    core.TaskRepository
	Pipeline Pipeline
	Logger   *slog.Logger

	// Lease is the per-task lease duration; defaults to 30 minutes to
	// cover large files.
	Lease time.Duration
	// Concurrency is the number of worker goroutines; defaults to 1.
	// Each worker owns one job at a time, so this is also the number of
	// jobs imported concurrently.
	Concurrency int
	// HeartbeatInterval is how often a running task's lease is extended;
	// defaults to a third of the lease.
	HeartbeatInterval time.Duration
}

// Runner drives worker goroutines that reserve, execute, and settle
// import tasks.
type Runner struct {
	tasks     core.TaskRepository
	pipeline  Pipeline
	logger    *slog.Logger
	lease     time.Duration
	workers   int
	heartbeat time.Duration
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Tasks == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = lease / 3
	}

	return &Runner{
		tasks:     opts.Tasks,
		pipeline:  opts.Pipeline,
		logger:    logger.With("component", "import-worker"),
		lease:     lease,
		workers:   workers,
		heartbeat: heartbeat,
	}, nil
}

// Run starts the worker goroutines and blocks until the context is
// cancelled or a worker hits a fatal queue error. The first error wins
// and cancels the rest.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting import workers",
		"workers", r.workers,
		"lease", r.lease,
	)

	group, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		group.Go(func() error { return r.workerLoop(gctx, workerID) })
	}
	return group.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) error {
	for ctx.Err() == nil {
		task, err := r.tasks.ReserveNext(ctx, workerID, r.lease)
		switch {
		case err == nil:
			r.processTask(ctx, workerID, task)
		case errors.Is(err, model.ErrNoTasksAvailable):
			if waitErr := r.tasks.WaitForTask(ctx, pollInterval); waitErr != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Deadline means poll again; anything else is logged and
				// degrades to polling rather than killing the worker.
				if !errors.Is(waitErr, context.DeadlineExceeded) {
					r.logger.WarnContext(ctx, "task wait failed, falling back to polling",
						"worker_id", workerID,
						"error", waitErr,
					)
					select {
					case <-time.After(pollInterval):
					case <-ctx.Done():
						return nil
					}
				}
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next task: %w", err)
		}
	}
	return nil
}

func (r *Runner) processTask(ctx context.Context, workerID string, task *model.ImportTask) {
	start := time.Now()
	r.logger.InfoContext(ctx, "task started",
		"worker_id", workerID,
		"task_id", task.ID,
		"job_id", task.JobID,
		"kind", task.Kind,
	)

	// Keep the lease alive while the pipeline runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, workerID, task.ID)

	err := r.execute(ctx, task)
	stopHeartbeat()

	// An illegal transition means the job already reached a state this
	// task cannot act on (failed, cancelled, completed). Re-attempts can
	// never succeed, so the task is settled instead of burning retries.
	if apperrors.IsIllegalTransition(err) {
		if completeErr := r.tasks.Complete(ctx, task.ID, workerID); completeErr != nil {
			r.logger.ErrorContext(ctx, "task complete error",
				"task_id", task.ID,
				"error", completeErr,
			)
			return
		}
		r.logger.InfoContext(ctx, "task superseded by job state",
			"worker_id", workerID,
			"task_id", task.ID,
			"job_id", task.JobID,
			"reason", err.Error(),
		)
		return
	}

	if err != nil {
		if failErr := r.tasks.Fail(ctx, task.ID, workerID, err); failErr != nil {
			r.logger.ErrorContext(ctx, "task fail error",
				"task_id", task.ID,
				"error", failErr,
				"original_error", err,
			)
		}
		r.logger.WarnContext(ctx, "task failed",
			"worker_id", workerID,
			"task_id", task.ID,
			"job_id", task.JobID,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}

	if completeErr := r.tasks.Complete(ctx, task.ID, workerID); completeErr != nil {
		r.logger.ErrorContext(ctx, "task complete error",
			"task_id", task.ID,
			"error", completeErr,
		)
		return
	}
	r.logger.InfoContext(ctx, "task completed",
		"worker_id", workerID,
		"task_id", task.ID,
		"job_id", task.JobID,
		"duration", time.Since(start),
	)
}

func (r *Runner) execute(ctx context.Context, task *model.ImportTask) error {
	switch task.Kind {
	case model.TaskKindFullImport:
		return r.pipeline.Run(ctx, task.JobID)
	case model.TaskKindFailedRows:
		var payload struct {
			ParentJobID string `json:"parent_job_id"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode task payload: %w", err)
		}
		if payload.ParentJobID == "" {
			return errors.New("failed-rows task missing parent_job_id")
		}
		return r.pipeline.RetryFailedRows(ctx, task.JobID, payload.ParentJobID)
	default:
		return fmt.Errorf("no handler for task kind %s", task.Kind)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, workerID, taskID string) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tasks.Heartbeat(ctx, taskID, workerID, r.lease); err != nil {
				r.logger.WarnContext(ctx, "task heartbeat failed",
					"task_id", taskID,
					"error", err,
				)
			}
		}
	}
}
