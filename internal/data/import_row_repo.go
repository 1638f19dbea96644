package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/data/database"
	"github.com/peopleflow/importd/internal/data/pgxutil"
	"github.com/peopleflow/importd/internal/domain/model"
)

// ImportRowRepo provides database operations for the materialized rows of
// an import job.
type ImportRowRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewImportRowRepo creates a new ImportRowRepo.
func NewImportRowRepo(db *sql.DB, tp TimeProvider) *ImportRowRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ImportRowRepo{DB: db, timeProvider: tp}
}

const importRowColumns = `
  id,
  import_job_id,
  row_number,
  raw_data,
  status,
  employee_id,
  error_message,
  validation_errors,
  processed_at,
  created_at,
  updated_at
`

// importRowColumnList mirrors importRowColumns for the query builder; the
// order must match scanImportRow.
var importRowColumnList = []string{
	"id", "import_job_id", "row_number", "raw_data", "status",
	"employee_id", "error_message", "validation_errors",
	"processed_at", "created_at", "updated_at",
}

const defaultInsertChunkSize = 1000

// BulkInsert materializes raw rows in chunks, one transaction per chunk.
// ON CONFLICT DO NOTHING makes re-materialization after a retry idempotent:
// rows that already exist for the (job, row_number) pair keep their history.
func (r *ImportRowRepo) BulkInsert(ctx context.Context, jobID string, rows []model.ImportRow, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = defaultInsertChunkSize
	}

	inserted := 0
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
			Fn: func(tx pgx.Tx) error {
				query, args, buildErr := buildRowInsert(jobID, chunk)
				if buildErr != nil {
					return buildErr
				}
				tag, execErr := tx.Exec(ctx, query, args...)
				if execErr != nil {
					return fmt.Errorf("insert row chunk: %w", execErr)
				}
				inserted += int(tag.RowsAffected())
				return nil
			},
		})
		if err != nil {
			return inserted, apperrors.MapDBError(err)
		}
	}
	return inserted, nil
}

func buildRowInsert(jobID string, chunk []model.ImportRow) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO import_rows (import_job_id, row_number, raw_data, status) VALUES `)

	args := make([]any, 0, len(chunk)*3)
	for i, row := range chunk {
		raw, err := json.Marshal(row.RawData)
		if err != nil {
			return "", nil, fmt.Errorf("marshal row %d: %w", row.RowNumber, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d, 'pending')", base+1, base+2, base+3)
		args = append(args, jobID, row.RowNumber, raw)
	}
	sb.WriteString(` ON CONFLICT (import_job_id, row_number) DO NOTHING`)
	return sb.String(), args, nil
}

// ListChunk returns up to limit rows in the given statuses ordered by row
// number, starting after afterRowNumber. The pipeline pages through a job
// with this.
func (r *ImportRowRepo) ListChunk(ctx context.Context, jobID string, statuses []model.RowStatus, afterRowNumber int, limit int) ([]model.ImportRow, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if len(statuses) == 0 {
		statuses = []model.RowStatus{model.RowStatusPending}
	}

	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		if !s.Valid() {
			return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid row status %q", s))
		}
		statusStrs[i] = string(s)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+importRowColumns+`
		FROM import_rows
		WHERE import_job_id = $1
		  AND status = ANY($2::text[])
		  AND row_number > $3
		ORDER BY row_number ASC
		LIMIT $4
	`, jobID, pgTextArray(statusStrs), afterRowNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("list row chunk: %w", err)
	}
	defer rows.Close()

	return collectImportRows(rows)
}

// UpdateOutcome records the processing outcome of one row. Rows already in
// a terminal status are left untouched so a crashed-and-requeued task never
// double-counts work.
func (r *ImportRowRepo) UpdateOutcome(ctx context.Context, rowID int64, outcome model.RowOutcome, now time.Time) error {
	if !outcome.Status.Valid() {
		return apperrors.ValidationField("status", fmt.Sprintf("invalid row status %q", outcome.Status))
	}

	var validationErrs any
	if outcome.ValidationErrors != nil {
		raw, err := json.Marshal(outcome.ValidationErrors)
		if err != nil {
			return fmt.Errorf("marshal validation errors: %w", err)
		}
		validationErrs = raw
	}

	var errMsg any
	if outcome.ErrorMessage != "" {
		errMsg = outcome.ErrorMessage
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE import_rows
		SET status = $2,
		    employee_id = $3,
		    error_message = $4,
		    validation_errors = $5,
		    processed_at = $6,
		    updated_at = $6
		WHERE id = $1
		  AND status IN ('pending', 'processing')
	`, rowID, outcome.Status, outcome.EmployeeID, errMsg, validationErrs, now.UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outcome rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("import row not found or already settled")
	}
	return nil
}

// MarkRemainingSkipped settles all unprocessed rows of a cancelled job.
func (r *ImportRowRepo) MarkRemainingSkipped(ctx context.Context, jobID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE import_rows
		SET status = 'skipped',
		    processed_at = $2,
		    updated_at = $2
		WHERE import_job_id = $1
		  AND status IN ('pending', 'processing')
	`, jobID, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("skip rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// ByRowNumbers returns the job's rows with the given row numbers, ordered
// by row number.
func (r *ImportRowRepo) ByRowNumbers(ctx context.Context, jobID string, rowNumbers []int) ([]model.ImportRow, error) {
	if len(rowNumbers) == 0 {
		return nil, nil
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+importRowColumns+`
		FROM import_rows
		WHERE import_job_id = $1
		  AND row_number = ANY($2::int[])
		ORDER BY row_number ASC
	`, jobID, pgIntArray(rowNumbers))
	if err != nil {
		return nil, fmt.Errorf("rows by row numbers: %w", err)
	}
	defer rows.Close()

	return collectImportRows(rows)
}

// HasRows reports whether any rows have been materialized for the job.
func (r *ImportRowRepo) HasRows(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM import_rows WHERE import_job_id = $1)
	`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has rows: %w", err)
	}
	return exists, nil
}

// Page returns a page of rows for a job plus the total count matching the query.
func (r *ImportRowRepo) Page(ctx context.Context, jobID string, q core.RowPageQuery) ([]model.ImportRow, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	conds := []database.Condition{
		database.WhereCond("import_job_id", database.Equal, jobID),
	}
	if q.Status != "" {
		var status model.RowStatus
		if err := status.UnmarshalText([]byte(q.Status)); err != nil {
			return nil, 0, apperrors.ValidationField("status", err.Error())
		}
		conds = append(conds, database.WhereCond("status", database.Equal, string(status)))
	}

	countQuery, countArgs := database.BuildListQuery(database.NewListQueryOptions("import_rows",
		database.WithConditions(conds...),
		database.WithCountOnly(),
	))

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	query, pageArgs := database.BuildListQuery(database.NewListQueryOptions("import_rows",
		database.WithColumns(importRowColumnList...),
		database.WithConditions(conds...),
		database.WithOrderBy("row_number", "ASC"),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	rows, err := r.DB.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("page rows: %w", err)
	}
	defer rows.Close()

	collected, err := collectImportRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return collected, total, nil
}

// CountByStatus returns per-status row counts for the job.
func (r *ImportRowRepo) CountByStatus(ctx context.Context, jobID string) (map[model.RowStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM import_rows
		WHERE import_job_id = $1
		GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count rows by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RowStatus]int)
	for rows.Next() {
		var status model.RowStatus
		var n int
		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, fmt.Errorf("scan status count: %w", scanErr)
		}
		counts[status] = n
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("count rows by status: %w", rowsErr)
	}
	return counts, nil
}

// SuccessfulEmployeeKeys returns the natural keys of rows already imported
// successfully for the job, mapped to their row numbers. A failed-rows
// retry seeds its in-job duplicate index from this.
func (r *ImportRowRepo) SuccessfulEmployeeKeys(ctx context.Context, jobID string) (map[string]int, map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT row_number,
		       raw_data->>'employee_number',
		       raw_data->>'email'
		FROM import_rows
		WHERE import_job_id = $1
		  AND status = 'success'
	`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("successful employee keys: %w", err)
	}
	defer rows.Close()

	numbers := make(map[string]int)
	emails := make(map[string]int)
	for rows.Next() {
		var rowNumber int
		var number, email sql.NullString
		if scanErr := rows.Scan(&rowNumber, &number, &email); scanErr != nil {
			return nil, nil, fmt.Errorf("scan employee keys: %w", scanErr)
		}
		if number.Valid && number.String != "" {
			numbers[strings.ToUpper(strings.TrimSpace(number.String))] = rowNumber
		}
		if email.Valid && email.String != "" {
			emails[strings.ToLower(strings.TrimSpace(email.String))] = rowNumber
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, nil, fmt.Errorf("successful employee keys: %w", rowsErr)
	}
	return numbers, emails, nil
}

func collectImportRows(rows *sql.Rows) ([]model.ImportRow, error) {
	var out []model.ImportRow
	for rows.Next() {
		row, err := scanImportRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import row: %w", err)
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect import rows: %w", err)
	}
	return out, nil
}

type importRowScanner interface {
	Scan(dest ...any) error
}

func scanImportRow(scanner importRowScanner) (*model.ImportRow, error) {
	row := &model.ImportRow{}
	var raw, validationErrs []byte
	var employeeID, errorMessage sql.NullString
	var processedAt sql.NullTime

	if err := scanner.Scan(
		&row.ID,
		&row.ImportJobID,
		&row.RowNumber,
		&raw,
		&row.Status,
		&employeeID,
		&errorMessage,
		&validationErrs,
		&processedAt,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &row.RawData); err != nil {
			return nil, fmt.Errorf("unmarshal raw data: %w", err)
		}
	}
	if len(validationErrs) > 0 {
		if err := json.Unmarshal(validationErrs, &row.ValidationErrors); err != nil {
			return nil, fmt.Errorf("unmarshal validation errors: %w", err)
		}
	}
	row.EmployeeID = nullableString(employeeID)
	row.ErrorMessage = nullableString(errorMessage)
	row.ProcessedAt = nullableTime(processedAt)
	return row, nil
}

// pgTextArray renders a Postgres text[] literal for ANY($n) parameters on
// the database/sql path, where Go slices are not natively supported.
func pgTextArray(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// pgIntArray renders a Postgres int[] literal for ANY($n) parameters.
func pgIntArray(items []int) string {
	parts := make([]string, len(items))
	for i, n := range items {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
