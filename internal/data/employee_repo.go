package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/peopleflow/importd/internal/errors"

	"github.com/peopleflow/importd/internal/domain/model"
)

// EmployeeRepo provides database operations for the employee records
// imports write into.
type EmployeeRepo struct {
	DB *sql.DB
}

// NewEmployeeRepo creates a new EmployeeRepo.
func NewEmployeeRepo(db *sql.DB) *EmployeeRepo {
	return &EmployeeRepo{DB: db}
}

const employeeColumns = `
  id,
  employee_number,
  first_name,
  last_name,
  email,
  department,
  salary,
  currency,
  country_code,
  start_date,
  last_import_job_id,
  last_imported_at,
  created_at,
  updated_at
`

// FindByNumberOrEmail returns the existing employee matching either
// natural key, or nil when neither matches. Row order prefers the
// employee-number match when the two keys hit different records.
func (r *EmployeeRepo) FindByNumberOrEmail(ctx context.Context, employeeNumber, email string) (*model.Employee, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+employeeColumns+`
		FROM employees
		WHERE employee_number = $1 OR email = $2
		ORDER BY (employee_number = $1) DESC
		LIMIT 1
	`, employeeNumber, email)

	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return emp, nil
}

// Create inserts a new employee from an import row.
func (r *EmployeeRepo) Create(ctx context.Context, up model.EmployeeUpsert, now time.Time) (*model.Employee, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO employees (employee_number, first_name, last_name, email, department, salary, currency, country_code, start_date, last_import_job_id, last_imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+employeeColumns,
		up.EmployeeNumber, up.FirstName, up.LastName, up.Email, up.Department,
		up.Salary, up.Currency, up.CountryCode, up.StartDate, up.ImportJobID, now.UTC())

	emp, err := scanEmployee(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return emp, nil
}

// Update overwrites the mutable fields of an existing employee from an
// import row.
func (r *EmployeeRepo) Update(ctx context.Context, id string, up model.EmployeeUpsert, now time.Time) (*model.Employee, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE employees
		SET employee_number = $2,
		    first_name = $3,
		    last_name = $4,
		    email = $5,
		    department = $6,
		    salary = $7,
		    currency = $8,
		    country_code = $9,
		    start_date = $10,
		    last_import_job_id = $11,
		    last_imported_at = $12,
		    updated_at = $12
		WHERE id = $1
		RETURNING `+employeeColumns,
		id, up.EmployeeNumber, up.FirstName, up.LastName, up.Email, up.Department,
		up.Salary, up.Currency, up.CountryCode, up.StartDate, up.ImportJobID, now.UTC())

	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("employee not found")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return emp, nil
}

// Count returns the total number of employees.
func (r *EmployeeRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM employees`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count employees: %w", err)
	}
	return n, nil
}

type employeeScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(scanner employeeScanner) (*model.Employee, error) {
	emp := &model.Employee{}
	var salary string
	var lastImportJobID sql.NullString
	var lastImportedAt sql.NullTime

	if err := scanner.Scan(
		&emp.ID,
		&emp.EmployeeNumber,
		&emp.FirstName,
		&emp.LastName,
		&emp.Email,
		&emp.Department,
		&salary,
		&emp.Currency,
		&emp.CountryCode,
		&emp.StartDate,
		&lastImportJobID,
		&lastImportedAt,
		&emp.CreatedAt,
		&emp.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(salary)
	if err != nil {
		return nil, fmt.Errorf("parse salary %q: %w", salary, err)
	}
	emp.Salary = parsed
	emp.LastImportJobID = nullableString(lastImportJobID)
	emp.LastImportedAt = nullableTime(lastImportedAt)
	return emp, nil
}
