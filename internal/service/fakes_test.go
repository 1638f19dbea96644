package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/domain/model"
)

// In-memory fakes for the core ports, mirroring the data layer's
// status-guard semantics closely enough for pipeline and service tests.

type fakeJobRepo struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*model.ImportJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*model.ImportJob{}}
}

func (r *fakeJobRepo) Create(_ context.Context, job *model.ImportJob) (*model.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	stored := *job
	stored.ID = fmt.Sprintf("job-%d", r.seq)
	stored.Status = model.JobStatusPending
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	r.jobs[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (r *fakeJobRepo) ByID(_ context.Context, id string) (*model.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("import job not found")
	}
	out := *job
	return &out, nil
}

func (r *fakeJobRepo) List(_ context.Context, q core.ListJobsQuery) ([]model.ImportJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.ImportJob
	for _, job := range r.jobs {
		if q.Status != "" && string(job.Status) != q.Status {
			continue
		}
		all = append(all, *job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return all, len(all), nil
}

func (r *fakeJobRepo) mutate(id string, fn func(*model.ImportJob) error) (*model.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("import job not found")
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()
	out := *job
	return &out, nil
}

func (r *fakeJobRepo) Start(_ context.Context, id string, totalRows int, now time.Time) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if job.Status != model.JobStatusPending {
			return apperrors.IllegalTransitionf("cannot start job in status %q", job.Status)
		}
		job.TotalRows = totalRows
		return job.Start(now)
	})
}

func (r *fakeJobRepo) SetTotalRows(_ context.Context, id string, totalRows int) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		job.TotalRows = totalRows
		return nil
	})
}

func (r *fakeJobRepo) UpdateCounters(_ context.Context, id string, c model.JobCounters) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		// Clamp like the repo's GREATEST writes so a stale flush never
		// regresses stored counters.
		clamped := model.JobCounters{
			Processed:  max(c.Processed, job.ProcessedRows),
			Successful: max(c.Successful, job.SuccessfulRows),
			Failed:     max(c.Failed, job.FailedRows),
			Duplicate:  max(c.Duplicate, job.DuplicateRows),
		}
		return job.UpdateProgress(clamped)
	})
}

func (r *fakeJobRepo) Complete(_ context.Context, id string, c model.JobCounters, now time.Time) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if err := job.UpdateProgress(c); err != nil {
			return err
		}
		return job.Complete(now)
	})
}

func (r *fakeJobRepo) Fail(_ context.Context, id string, message string, now time.Time) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if job.Status.Terminal() {
			return apperrors.IllegalTransitionf("cannot fail job in status %q", job.Status)
		}
		return job.Fail(message, now)
	})
}

func (r *fakeJobRepo) Cancel(_ context.Context, id string, now time.Time) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if job.Status.Terminal() {
			return apperrors.IllegalTransitionf("cannot cancel job in status %q", job.Status)
		}
		return job.Cancel(now)
	})
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, id string) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if job.Status.Terminal() {
			return apperrors.IllegalTransitionf("cannot cancel job in status %q", job.Status)
		}
		job.CancelRequested = true
		return nil
	})
}

func (r *fakeJobRepo) CancelRequested(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, apperrors.NotFound("import job not found")
	}
	return job.CancelRequested, nil
}

func (r *fakeJobRepo) ResetForRetry(_ context.Context, id string) (*model.ImportJob, error) {
	return r.mutate(id, func(job *model.ImportJob) error {
		if err := job.ResetForRetry(); err != nil {
			return apperrors.IllegalTransitionf("cannot retry job in status %q", job.Status)
		}
		job.CancelRequested = false
		return nil
	})
}

type fakeRowRepo struct {
	mu   sync.Mutex
	seq  int64
	rows map[string][]*model.ImportRow
}

func newFakeRowRepo() *fakeRowRepo {
	return &fakeRowRepo{rows: map[string][]*model.ImportRow{}}
}

func (r *fakeRowRepo) BulkInsert(_ context.Context, jobID string, rows []model.ImportRow, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := map[int]bool{}
	for _, row := range r.rows[jobID] {
		existing[row.RowNumber] = true
	}
	inserted := 0
	for _, row := range rows {
		if existing[row.RowNumber] {
			continue
		}
		r.seq++
		stored := row
		stored.ID = r.seq
		stored.ImportJobID = jobID
		stored.Status = model.RowStatusPending
		r.rows[jobID] = append(r.rows[jobID], &stored)
		inserted++
	}
	sort.Slice(r.rows[jobID], func(i, j int) bool {
		return r.rows[jobID][i].RowNumber < r.rows[jobID][j].RowNumber
	})
	return inserted, nil
}

func (r *fakeRowRepo) ListChunk(_ context.Context, jobID string, statuses []model.RowStatus, afterRowNumber, limit int) ([]model.ImportRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := map[model.RowStatus]bool{}
	for _, s := range statuses {
		in[s] = true
	}
	var out []model.ImportRow
	for _, row := range r.rows[jobID] {
		if row.RowNumber <= afterRowNumber || !in[row.Status] {
			continue
		}
		out = append(out, *row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRowRepo) UpdateOutcome(_ context.Context, rowID int64, outcome model.RowOutcome, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rows := range r.rows {
		for _, row := range rows {
			if row.ID != rowID {
				continue
			}
			if row.Status != model.RowStatusPending && row.Status != model.RowStatusProcessing {
				return apperrors.NotFound("row already settled")
			}
			row.Status = outcome.Status
			row.EmployeeID = outcome.EmployeeID
			row.ValidationErrors = outcome.ValidationErrors
			if outcome.ErrorMessage != "" {
				msg := outcome.ErrorMessage
				row.ErrorMessage = &msg
			}
			row.ProcessedAt = &now
			return nil
		}
	}
	return apperrors.NotFound("row not found")
}

func (r *fakeRowRepo) MarkRemainingSkipped(_ context.Context, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, row := range r.rows[jobID] {
		if row.Status == model.RowStatusPending || row.Status == model.RowStatusProcessing {
			row.Status = model.RowStatusSkipped
			count++
		}
	}
	return count, nil
}

func (r *fakeRowRepo) ByRowNumbers(_ context.Context, jobID string, rowNumbers []int) ([]model.ImportRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[int]bool{}
	for _, n := range rowNumbers {
		want[n] = true
	}
	var out []model.ImportRow
	for _, row := range r.rows[jobID] {
		if want[row.RowNumber] {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeRowRepo) HasRows(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[jobID]) > 0, nil
}

func (r *fakeRowRepo) Page(_ context.Context, jobID string, q core.RowPageQuery) ([]model.ImportRow, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ImportRow
	for _, row := range r.rows[jobID] {
		if q.Status != "" && string(row.Status) != q.Status {
			continue
		}
		out = append(out, *row)
	}
	return out, len(out), nil
}

func (r *fakeRowRepo) CountByStatus(_ context.Context, jobID string) (map[model.RowStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[model.RowStatus]int{}
	for _, row := range r.rows[jobID] {
		counts[row.Status]++
	}
	return counts, nil
}

func (r *fakeRowRepo) SuccessfulEmployeeKeys(_ context.Context, jobID string) (map[string]int, map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	numbers := map[string]int{}
	emails := map[string]int{}
	for _, row := range r.rows[jobID] {
		if row.Status != model.RowStatusSuccess {
			continue
		}
		numbers[strings.ToUpper(row.RawData.Get("employee_number"))] = row.RowNumber
		emails[strings.ToLower(row.RawData.Get("email"))] = row.RowNumber
	}
	return numbers, emails, nil
}

// byNumber returns the job's row with the given row number for assertions.
func (r *fakeRowRepo) byNumber(jobID string, rowNumber int) *model.ImportRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows[jobID] {
		if row.RowNumber == rowNumber {
			out := *row
			return &out
		}
	}
	return nil
}

type fakeErrorRepo struct {
	mu   sync.Mutex
	seq  int64
	errs []model.ImportError
}

func newFakeErrorRepo() *fakeErrorRepo {
	return &fakeErrorRepo{}
}

func (r *fakeErrorRepo) Insert(_ context.Context, e *model.ImportError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	stored := *e
	stored.ID = r.seq
	stored.CreatedAt = time.Now().UTC()
	r.errs = append(r.errs, stored)
	return nil
}

func (r *fakeErrorRepo) Page(_ context.Context, jobID string, q core.ErrorPageQuery) ([]model.ImportError, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ImportError
	for _, e := range r.errs {
		if e.ImportJobID != jobID {
			continue
		}
		if q.Type != "" && string(e.ErrorType) != q.Type {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (r *fakeErrorRepo) CountByType(_ context.Context, jobID string) (map[model.ErrorType]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[model.ErrorType]int{}
	for _, e := range r.errs {
		if e.ImportJobID == jobID {
			counts[e.ErrorType]++
		}
	}
	return counts, nil
}

func (r *fakeErrorRepo) RowNumbersByTypes(_ context.Context, jobID string, types []model.ErrorType) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := map[model.ErrorType]bool{}
	for _, t := range types {
		in[t] = true
	}
	seen := map[int]bool{}
	var out []int
	for _, e := range r.errs {
		if e.ImportJobID != jobID || !in[e.ErrorType] || seen[e.RowNumber] {
			continue
		}
		seen[e.RowNumber] = true
		out = append(out, e.RowNumber)
	}
	sort.Ints(out)
	return out, nil
}

func (r *fakeErrorRepo) byJob(jobID string) []model.ImportError {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ImportError
	for _, e := range r.errs {
		if e.ImportJobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

type fakeEmployeeRepo struct {
	mu        sync.Mutex
	seq       int
	employees map[string]*model.Employee

	// createErr, when set, fails every Create to simulate storage faults.
	createErr error
}

func newFakeEmployeeRepo() *fakeEmployeeRepo {
	return &fakeEmployeeRepo{employees: map[string]*model.Employee{}}
}

func (r *fakeEmployeeRepo) FindByNumberOrEmail(_ context.Context, employeeNumber, email string) (*model.Employee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var byEmail *model.Employee
	for _, e := range r.employees {
		if e.EmployeeNumber == employeeNumber {
			out := *e
			return &out, nil
		}
		if e.Email == email {
			byEmail = e
		}
	}
	if byEmail != nil {
		out := *byEmail
		return &out, nil
	}
	return nil, nil
}

func (r *fakeEmployeeRepo) Create(_ context.Context, up model.EmployeeUpsert, now time.Time) (*model.Employee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.seq++
	e := &model.Employee{
		ID:              fmt.Sprintf("emp-%d", r.seq),
		EmployeeNumber:  up.EmployeeNumber,
		FirstName:       up.FirstName,
		LastName:        up.LastName,
		Email:           up.Email,
		Department:      up.Department,
		Salary:          up.Salary,
		Currency:        up.Currency,
		CountryCode:     up.CountryCode,
		StartDate:       up.StartDate,
		LastImportedAt:  &now,
		LastImportJobID: &up.ImportJobID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.employees[e.ID] = e
	out := *e
	return &out, nil
}

func (r *fakeEmployeeRepo) Update(_ context.Context, id string, up model.EmployeeUpsert, now time.Time) (*model.Employee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.employees[id]
	if !ok {
		return nil, apperrors.NotFound("employee not found")
	}
	e.EmployeeNumber = up.EmployeeNumber
	e.FirstName = up.FirstName
	e.LastName = up.LastName
	e.Email = up.Email
	e.Department = up.Department
	e.Salary = up.Salary
	e.Currency = up.Currency
	e.CountryCode = up.CountryCode
	e.StartDate = up.StartDate
	e.LastImportedAt = &now
	e.LastImportJobID = &up.ImportJobID
	e.UpdatedAt = now
	out := *e
	return &out, nil
}

func (r *fakeEmployeeRepo) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.employees), nil
}

type fakeTaskRepo struct {
	mu      sync.Mutex
	seq     int
	tasks   []*model.ImportTask
	workers map[string]string
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{workers: map[string]string{}}
}

func (r *fakeTaskRepo) Create(_ context.Context, req model.CreateTaskRequest) (*model.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.JobID == req.JobID &&
			(t.Status == model.TaskStatusPending || t.Status == model.TaskStatusRunning) {
			return nil, apperrors.Conflict("a live task already exists for this job")
		}
	}
	r.seq++
	task := &model.ImportTask{
		ID:      fmt.Sprintf("task-%d", r.seq),
		JobID:   req.JobID,
		Kind:    req.Kind,
		Payload: req.Payload,
		Status:  model.TaskStatusPending,
	}
	r.tasks = append(r.tasks, task)
	out := *task
	return &out, nil
}

func (r *fakeTaskRepo) ReserveNext(_ context.Context, workerID string, _ time.Duration) (*model.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.Status == model.TaskStatusPending {
			t.Status = model.TaskStatusRunning
			r.workers[t.ID] = workerID
			out := *t
			return &out, nil
		}
	}
	return nil, model.ErrNoTasksAvailable
}

func (r *fakeTaskRepo) Heartbeat(_ context.Context, _, _ string, _ time.Duration) error { return nil }

func (r *fakeTaskRepo) settle(taskID string, status model.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == taskID && t.Status == model.TaskStatusRunning {
			t.Status = status
			return nil
		}
	}
	return apperrors.NotFound("task not found or not running")
}

func (r *fakeTaskRepo) Complete(_ context.Context, taskID, _ string) error {
	return r.settle(taskID, model.TaskStatusCompleted)
}

func (r *fakeTaskRepo) Fail(_ context.Context, taskID, _ string, _ error) error {
	return r.settle(taskID, model.TaskStatusFailed)
}

func (r *fakeTaskRepo) ByJobID(_ context.Context, jobID string) (*model.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.tasks) - 1; i >= 0; i-- {
		if r.tasks[i].JobID == jobID {
			out := *r.tasks[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeTaskRepo) WaitForTask(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

type fakePublisher struct {
	mu    sync.Mutex
	snaps map[string]model.ProgressSnapshot

	// publishErr, when set, fails every Publish to exercise best-effort paths.
	publishErr error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{snaps: map[string]model.ProgressSnapshot{}}
}

func (p *fakePublisher) Publish(_ context.Context, snap model.ProgressSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.snaps[snap.JobID] = snap
	return nil
}

func (p *fakePublisher) Read(_ context.Context, jobID string) (*model.ProgressSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[jobID]
	if !ok {
		return nil, nil
	}
	out := snap
	return &out, nil
}

func (p *fakePublisher) Clear(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snaps, jobID)
	return nil
}

func (p *fakePublisher) Health(context.Context) error { return nil }
