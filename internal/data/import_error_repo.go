package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/core"
	"github.com/peopleflow/importd/internal/data/database"
	"github.com/peopleflow/importd/internal/domain/model"
)

// ImportErrorRepo is the append-only error log of import jobs.
type ImportErrorRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewImportErrorRepo creates a new ImportErrorRepo.
func NewImportErrorRepo(db *sql.DB, tp TimeProvider) *ImportErrorRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ImportErrorRepo{DB: db, timeProvider: tp}
}

const importErrorColumns = `
  id,
  import_job_id,
  import_row_id,
  row_number,
  error_type,
  error_code,
  error_message,
  error_details,
  raw_data,
  created_at
`

// importErrorColumnList mirrors importErrorColumns for the query builder;
// the order must match scanImportError.
var importErrorColumnList = []string{
	"id", "import_job_id", "import_row_id", "row_number",
	"error_type", "error_code", "error_message", "error_details", "raw_data",
	"created_at",
}

// Insert appends one error record.
func (r *ImportErrorRepo) Insert(ctx context.Context, e *model.ImportError) error {
	if e == nil {
		return errors.New("import error is required")
	}
	if !e.ErrorType.Valid() {
		return apperrors.ValidationField("error_type", fmt.Sprintf("invalid error type %q", e.ErrorType))
	}

	var details any
	if e.ErrorDetails != nil {
		raw, err := json.Marshal(e.ErrorDetails)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		details = raw
	}

	raw, err := json.Marshal(e.RawData)
	if err != nil {
		return fmt.Errorf("marshal raw data: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO import_errors (import_job_id, import_row_id, row_number, error_type, error_code, error_message, error_details, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, e.ImportJobID, e.ImportRowID, e.RowNumber, e.ErrorType, e.ErrorCode, e.ErrorMessage, details, raw)

	if scanErr := row.Scan(&e.ID, &e.CreatedAt); scanErr != nil {
		return apperrors.MapDBError(scanErr)
	}
	return nil
}

// Page returns a page of errors for a job plus the total count matching
// the query, ordered by row number.
func (r *ImportErrorRepo) Page(ctx context.Context, jobID string, q core.ErrorPageQuery) ([]model.ImportError, int, error) {
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
	if q.Type != "" {
		var errorType model.ErrorType
		if err := errorType.UnmarshalText([]byte(q.Type)); err != nil {
			return nil, 0, apperrors.ValidationField("error_type", err.Error())
		}
		conds = append(conds, database.WhereCond("error_type", database.Equal, string(errorType)))
	}

	countQuery, countArgs := database.BuildListQuery(database.NewListQueryOptions("import_errors",
		database.WithConditions(conds...),
		database.WithCountOnly(),
	))

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count errors: %w", err)
	}

	query, pageArgs := database.BuildListQuery(database.NewListQueryOptions("import_errors",
		database.WithColumns(importErrorColumnList...),
		database.WithConditions(conds...),
		database.WithOrderBy("row_number", "ASC"),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	rows, err := r.DB.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("page errors: %w", err)
	}
	defer rows.Close()

	var out []model.ImportError
	for rows.Next() {
		e, scanErr := scanImportError(rows)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("scan import error: %w", scanErr)
		}
		out = append(out, *e)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, 0, fmt.Errorf("page errors: %w", rowsErr)
	}
	return out, total, nil
}

// CountByType returns per-type error counts for the job.
func (r *ImportErrorRepo) CountByType(ctx context.Context, jobID string) (map[model.ErrorType]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT error_type, COUNT(*)
		FROM import_errors
		WHERE import_job_id = $1
		GROUP BY error_type
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count errors by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ErrorType]int)
	for rows.Next() {
		var errorType model.ErrorType
		var n int
		if scanErr := rows.Scan(&errorType, &n); scanErr != nil {
			return nil, fmt.Errorf("scan type count: %w", scanErr)
		}
		counts[errorType] = n
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("count errors by type: %w", rowsErr)
	}
	return counts, nil
}

// RowNumbersByTypes returns the distinct row numbers of the job's errors
// matching the given types, ascending.
func (r *ImportErrorRepo) RowNumbersByTypes(ctx context.Context, jobID string, types []model.ErrorType) ([]int, error) {
	if len(types) == 0 {
		return nil, nil
	}
	typeStrs := make([]string, len(types))
	for i, t := range types {
		if !t.Valid() {
			return nil, apperrors.ValidationField("error_type", fmt.Sprintf("invalid error type %q", t))
		}
		typeStrs[i] = string(t)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT row_number
		FROM import_errors
		WHERE import_job_id = $1
		  AND error_type = ANY($2::text[])
		ORDER BY row_number ASC
	`, jobID, pgTextArray(typeStrs))
	if err != nil {
		return nil, fmt.Errorf("row numbers by types: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if scanErr := rows.Scan(&n); scanErr != nil {
			return nil, fmt.Errorf("scan row number: %w", scanErr)
		}
		out = append(out, n)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("row numbers by types: %w", rowsErr)
	}
	return out, nil
}

type importErrorScanner interface {
	Scan(dest ...any) error
}

func scanImportError(scanner importErrorScanner) (*model.ImportError, error) {
	e := &model.ImportError{}
	var importRowID sql.NullInt64
	var details, raw []byte

	if err := scanner.Scan(
		&e.ID,
		&e.ImportJobID,
		&importRowID,
		&e.RowNumber,
		&e.ErrorType,
		&e.ErrorCode,
		&e.ErrorMessage,
		&details,
		&raw,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}

	if importRowID.Valid {
		id := importRowID.Int64
		e.ImportRowID = &id
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.ErrorDetails); err != nil {
			return nil, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.RawData); err != nil {
			return nil, fmt.Errorf("unmarshal raw data: %w", err)
		}
	}
	return e, nil
}
