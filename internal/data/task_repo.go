package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/data/pgxutil"
	"github.com/peopleflow/importd/internal/domain/model"
)

// taskNotifyChannel carries wakeups for workers blocked in WaitForTask.
const taskNotifyChannel = "import_task_added"

// TaskRepoConfig holds configuration options for the task repository.
type TaskRepoConfig struct {
	RetryDelay   time.Duration
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// TaskRepo is the Postgres-backed dispatch queue for import work.
type TaskRepo struct {
	DB           *sql.DB
	cfg          TaskRepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewTaskRepo creates a new TaskRepo with the given database connection and configuration.
func NewTaskRepo(db *sql.DB, cfg TaskRepoConfig) *TaskRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &TaskRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const defaultTaskRetryDelay = 30 * time.Second

func (r *TaskRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelay > 0 {
		return r.cfg.RetryDelay
	}
	return defaultTaskRetryDelay
}

const taskColumns = `
  id,
  job_id,
  kind,
  status,
  payload,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`

// SQL used by ReserveNext to atomically reserve the next task.
const reserveNextTaskSQL = `
  WITH cte AS (
    SELECT id FROM import_tasks
    WHERE status = 'pending' AND scheduled_at <= $1
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE import_tasks t
  SET
    status = 'running',
    worker_id = $2,
    started_at = COALESCE(t.started_at, $3),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE t.id = cte.id
  RETURNING t.id, t.job_id, t.kind, t.status, t.payload, t.scheduled_at, t.started_at, t.completed_at, t.retry_count, t.max_retries, t.last_error, t.lease_expires_at, t.created_at, t.updated_at`

// Create enqueues a new import task and notifies any waiting workers.
func (r *TaskRepo) Create(ctx context.Context, req model.CreateTaskRequest) (*model.ImportTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := []byte(`{}`)
	if req.Payload != nil {
		payload = req.Payload
	}

	var scheduledAt time.Time
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	} else {
		scheduledAt = r.timeProvider.Now().UTC()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var task *model.ImportTask
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
        INSERT INTO import_tasks (job_id, kind, status, payload, scheduled_at, max_retries)
        VALUES ($1, $2, 'pending', $3, $4, $5)
        RETURNING `+taskColumns,
				req.JobID, req.Kind, payload, scheduledAt, maxRetries)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			t, collectErr := collectTaskFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect task: %w", collectErr)
			}

			if _, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, taskNotifyChannel, t.ID); notifyErr != nil {
				return fmt.Errorf("send task notification: %w", notifyErr)
			}
			task = t
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return task, nil
}

// ReserveNext reserves the oldest pending task for the given worker.
// Expired leases are requeued first so crashed workers do not strand tasks.
func (r *TaskRepo) ReserveNext(ctx context.Context, workerID string, lease time.Duration) (*model.ImportTask, error) {
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	if _, err := r.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired tasks: %w", err)
	}

	var task *model.ImportTask
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(lease)

			rows, qerr := tx.Query(
				ctx,
				reserveNextTaskSQL,
				currentTime.UTC(),
				workerID,
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve task: %w", qerr)
			}
			defer rows.Close()

			t, cerr := collectTaskFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve task: %w", cerr)
			}
			task = t
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoTasksAvailable) {
			return nil, model.ErrNoTasksAvailable
		}
		return nil, err
	}
	return task, nil
}

// Advisory lock keys for requeueExpired so concurrent workers do not race.
const (
	advisoryLockRequeueMajor int64 = 2001
	advisoryLockRequeueMinor int64 = 1
)

// requeueExpired moves running tasks with expired leases back to pending.
func (r *TaskRepo) requeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, advisoryLockRequeueMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			res, err := tx.ExecContext(ctx, `
          UPDATE import_tasks
          SET status = 'pending', worker_id = NULL, lease_expires_at = NULL
          WHERE status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $1
        `, currentTime.UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// Heartbeat refreshes the lease on a running task held by the given worker.
func (r *TaskRepo) Heartbeat(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	if lease <= 0 {
		return errors.New("lease must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE import_tasks
		SET lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`, taskID, workerID, currentTime.Add(lease), currentTime)
	if err != nil {
		return fmt.Errorf("heartbeat task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("task")
	}
	return nil
}

// Complete marks a running task held by the worker as completed.
func (r *TaskRepo) Complete(ctx context.Context, taskID, workerID string) error {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE import_tasks
		SET status = 'completed',
		    completed_at = $3,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`, taskID, workerID, currentTime)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("task")
	}
	return nil
}

// Fail records a task failure. Tasks under their retry budget are
// rescheduled after the retry delay, the rest are marked failed.
func (r *TaskRepo) Fail(ctx context.Context, taskID, workerID string, taskErr error) error {
	errMsg := "unknown error"
	if taskErr != nil {
		errMsg = taskErr.Error()
	}

	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(r.retryDelay())

	query := `
      UPDATE import_tasks
      SET
        last_error = $3,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $4::timestamptz ELSE NULL END,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
                            ELSE $5::timestamptz END,
        worker_id = NULL,
        lease_expires_at = NULL,
        updated_at = $4
      WHERE id = $1 AND worker_id = $2 AND status = 'running'
      RETURNING status
    `

	var status string
	if err := r.DB.QueryRowContext(ctx, query, taskID, workerID, errMsg, currentTime.UTC(), retryScheduledAt.UTC()).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("task")
		}
		return fmt.Errorf("fail task: %w", err)
	}

	if r.logger != nil && status == string(model.TaskStatusFailed) {
		r.logger.WarnContext(ctx, "task exhausted retries",
			"task_id", taskID,
			"error", errMsg,
		)
	}
	return nil
}

// ByJobID returns the most recent task for the given job, or nil when none exists.
func (r *TaskRepo) ByJobID(ctx context.Context, jobID string) (*model.ImportTask, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM import_tasks
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, jobID)

	task, err := scanTaskFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task by job id: %w", err)
	}
	return task, nil
}

// WaitForTask blocks until a task notification arrives, the timeout
// elapses, or the context is cancelled. A nil error means a wakeup was
// received; a deadline error means the caller should poll.
func (r *TaskRepo) WaitForTask(ctx context.Context, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := r.DB.Conn(waitCtx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{taskNotifyChannel}.Sanitize()
	if _, execErr := conn.ExecContext(waitCtx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", taskNotifyChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(waitCtx)
		return notifyErr
	})
}

// collectTaskFromRows collects a single task from pgx rows.
func collectTaskFromRows(rows pgx.Rows) (*model.ImportTask, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	task, err := scanTaskFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return task, nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTaskFromRow(scanner taskRowScanner) (*model.ImportTask, error) {
	task := &model.ImportTask{}
	var payload []byte
	var lastError sql.NullString
	var startedAt, completedAt, leaseExpiresAt sql.NullTime

	if err := scanner.Scan(
		&task.ID,
		&task.JobID,
		&task.Kind,
		&task.Status,
		&payload,
		&task.ScheduledAt,
		&startedAt,
		&completedAt,
		&task.RetryCount,
		&task.MaxRetries,
		&lastError,
		&leaseExpiresAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(payload) == 0 {
		task.Payload = json.RawMessage(`{}`)
	} else {
		task.Payload = append(json.RawMessage(nil), payload...)
	}
	task.LastError = nullableString(lastError)
	task.StartedAt = nullableTime(startedAt)
	task.CompletedAt = nullableTime(completedAt)
	task.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	return task, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
